package uitree

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
)

// Node is one element of a UI hierarchy snapshot. Nodes form a tree, built
// fresh on every snapshot and never cached across requests.
type Node struct {
	XMLName     xml.Name
	Class       string `xml:"class,attr"`
	Text        string `xml:"text,attr"`
	Description string `xml:"content-desc,attr"`
	Identifier  string `xml:"resource-id,attr"`
	Bounds      string `xml:"bounds,attr"`
	Clickable   string `xml:"clickable,attr"`
	Children    []Node `xml:",any"`
}

// ParseHierarchy decodes an XML hierarchy dump into a node tree.
func ParseHierarchy(raw []byte) (*Node, error) {
	var root Node
	if err := xml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("failed to parse UI hierarchy XML: %v", err)
	}
	return &root, nil
}

// RenderHierarchy serializes the tree as indented text, one line per node in
// depth-first pre-order. The first line is always the literal header
// "Hierarchy". Field order and omission rules are a stable contract: callers
// reason over this text and feed frame strings back as element handles.
func RenderHierarchy(root *Node) string {
	lines := []string{"Hierarchy"}
	walk(root, 0, &lines)
	return strings.Join(lines, "\n")
}

func walk(n *Node, depth int, lines *[]string) {
	if n.XMLName.Local == "node" {
		*lines = append(*lines, strings.Repeat("  ", depth)+renderNode(n))
		depth++
	}
	for i := range n.Children {
		walk(&n.Children[i], depth, lines)
	}
}

func renderNode(n *Node) string {
	class := shortClass(n.Class)
	text := strings.TrimSpace(n.Text)
	desc := strings.TrimSpace(n.Description)
	identifier := strings.TrimSpace(n.Identifier)
	bounds := strings.TrimSpace(n.Bounds)
	clickable := strings.TrimSpace(n.Clickable)

	label := text
	if label == "" {
		label = desc
	}
	parts := []string{class}
	if label != "" {
		parts = append(parts, "label: "+jsonQuote(label))
	}
	if desc != "" && desc != label {
		parts = append(parts, "value: "+jsonQuote(desc))
	}
	if identifier != "" {
		parts = append(parts, "identifier: "+jsonQuote(identifier))
	}
	if rect, ok := ParseBounds(bounds); ok {
		parts = append(parts, "frame: "+rect.String())
	}
	if clickable == "true" {
		parts = append(parts, "clickable: true")
	}
	return strings.Join(parts, ", ")
}

func shortClass(class string) string {
	if class == "" {
		class = "Node"
	}
	segs := strings.Split(class, ".")
	if last := segs[len(segs)-1]; last != "" {
		return last
	}
	return "Node"
}

func jsonQuote(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `"` + s + `"`
	}
	return string(b)
}
