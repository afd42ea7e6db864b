// phonectl is the operator-side client for the phone bridge. It offers a
// generic call subcommand, shortcuts for each bridge method, and a repl that
// holds one connection open.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rexliu/phonebridge/pkg/artifacts"
	"github.com/rexliu/phonebridge/pkg/config"
	"github.com/rexliu/phonebridge/pkg/rpc"
)

const usage = `usage: phonectl <command> [flags]

commands:
  call <method>       invoke any method with --params JSON
  get-tree            fetch the hierarchy snapshot
  get-context         fetch hierarchy plus screenshot
  get-screen-image    fetch a screenshot
  tap <x> <y>         tap at device coordinates
  tap-element         tap an element by its rect handle
  enter-text          focus an element and type text
  scroll <x> <y> <dx> <dy>
  swipe <x> <y> <direction>
  open-app <package>  bring an app to the foreground
  set-api-key <key>   store an API key for this session
  stop                shut the bridge listener down
  repl                interactive mode over one connection

common flags: --config, --host, --port, --print json|result|tree, --pretty`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "phonectl:", err)
		os.Exit(1)
	}
}

// cliFlags holds the flags shared by every subcommand.
type cliFlags struct {
	fs         *flag.FlagSet
	configPath *string
	host       *string
	port       *int
	printMode  *string
	pretty     *bool
}

func newFlags(name string) *cliFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &cliFlags{
		fs:         fs,
		configPath: fs.String("config", "", "path to TOML profile"),
		host:       fs.String("host", "", "bridge host (overrides config)"),
		port:       fs.Int("port", 0, "bridge port (overrides config)"),
		printMode:  fs.String("print", "result", "output mode: json, result, or tree"),
		pretty:     fs.Bool("pretty", false, "indent JSON output"),
	}
}

func (c *cliFlags) clientConfig() (config.ClientConfig, error) {
	cfg := config.Default()
	if *c.configPath != "" {
		loaded, err := config.Load(*c.configPath)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	if *c.host != "" {
		cfg.Client.Host = *c.host
	}
	if *c.port != 0 {
		cfg.Client.Port = *c.port
	}
	return cfg.Client, nil
}

func clientOptions(cc config.ClientConfig) rpc.ClientOptions {
	return rpc.ClientOptions{
		ConnectTimeout:   time.Duration(cc.ConnectTimeoutMS) * time.Millisecond,
		ReadTimeout:      time.Duration(cc.ReadTimeoutMS) * time.Millisecond,
		MaxResponseBytes: cc.MaxResponseBytes,
	}
}

func run(command string, args []string) error {
	switch command {
	case "call":
		return runCall(args)
	case "get-tree":
		return runSimple("get-tree", args, "get_tree", nil)
	case "get-context":
		return runCapture("get-context", args, "get_context")
	case "get-screen-image":
		return runCapture("get-screen-image", args, "get_screen_image")
	case "tap":
		return runTap(args)
	case "tap-element":
		return runTapElement(args)
	case "enter-text":
		return runEnterText(args)
	case "scroll":
		return runScroll(args)
	case "swipe":
		return runSwipe(args)
	case "open-app":
		return runOpenApp(args)
	case "set-api-key":
		return runSetAPIKey(args)
	case "stop":
		return runSimple("stop", args, "stop", nil)
	case "repl":
		return runRepl(args)
	case "help", "-h", "--help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// callOnce issues a single request on a fresh connection.
func callOnce(c *cliFlags, method string, params rpc.Params) (*rpc.Response, config.ClientConfig, error) {
	cc, err := c.clientConfig()
	if err != nil {
		return nil, config.ClientConfig{}, err
	}
	resp, err := rpc.CallOnce(cc.Host, cc.Port, clientOptions(cc), 1, method, params)
	if err != nil {
		return nil, config.ClientConfig{}, err
	}
	return resp, cc, nil
}

func runSimple(name string, args []string, method string, params rpc.Params) error {
	c := newFlags(name)
	c.fs.Parse(args)
	resp, _, err := callOnce(c, method, params)
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runCall(args []string) error {
	c := newFlags("call")
	paramsJSON := c.fs.String("params", "{}", "request params as a JSON object")
	c.fs.Parse(args)
	if c.fs.NArg() != 1 {
		return fmt.Errorf("call requires exactly one method name")
	}
	params := rpc.Params{}
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		return fmt.Errorf("invalid --params JSON: %v", err)
	}
	resp, _, err := callOnce(c, c.fs.Arg(0), params)
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

// runCapture handles the screenshot-bearing methods: the image is written to
// the artifact directory and indexed, and the path replaces the base64 blob
// in terminal output.
func runCapture(name string, args []string, method string) error {
	c := newFlags(name)
	printMetadata := c.fs.Bool("print-metadata", false, "print image dimensions")
	c.fs.Parse(args)
	resp, cc, err := callOnce(c, method, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return printResponse(resp, *c.printMode, *c.pretty)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unexpected result shape: %v", err)
	}
	if encoded, ok := result["screenshot_base64"].(string); ok {
		path, err := saveArtifact(cc, method, encoded, result)
		if err != nil {
			return err
		}
		result["screenshot_base64"] = path
		fmt.Println("saved screenshot:", path)
	}
	if *printMetadata {
		if meta, ok := result["metadata"].(map[string]any); ok {
			fmt.Printf("dimensions: %vx%v\n", meta["width"], meta["height"])
		}
	}
	if tree, ok := result["tree"].(string); ok && *c.printMode == "tree" {
		fmt.Println(tree)
		return nil
	}
	if *c.printMode == "json" || *c.printMode == "result" {
		return printJSON(result, *c.pretty)
	}
	return nil
}

// saveArtifact decodes the screenshot, writes it under the artifact
// directory, and records it in the SQLite index.
func saveArtifact(cc config.ClientConfig, method, encoded string, result map[string]any) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("response image is not valid base64: %v", err)
	}
	if err := os.MkdirAll(cc.ArtifactDir, 0o755); err != nil {
		return "", err
	}
	id := artifacts.NewID()
	path := filepath.Join(cc.ArtifactDir, id+".png")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", err
	}
	kind := "screenshot"
	if method == "get_context" {
		kind = "context"
	}
	store, err := artifacts.Open(cc.ArtifactDB)
	if err != nil {
		// The index is a convenience; the artifact file is already on disk.
		fmt.Fprintln(os.Stderr, "phonectl: artifact index unavailable:", err)
		return path, nil
	}
	defer store.Close()
	var width, height float64
	if meta, ok := result["metadata"].(map[string]any); ok {
		width, _ = meta["width"].(float64)
		height, _ = meta["height"].(float64)
	}
	err = store.Record(artifacts.Artifact{
		ID:        id,
		Kind:      kind,
		RequestID: "1",
		Path:      path,
		Width:     int(width),
		Height:    int(height),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "phonectl: artifact index write failed:", err)
	}
	return path, nil
}

func runTap(args []string) error {
	c := newFlags("tap")
	c.fs.Parse(args)
	if c.fs.NArg() != 2 {
		return fmt.Errorf("tap requires <x> <y>")
	}
	x, err := strconv.ParseFloat(c.fs.Arg(0), 64)
	if err != nil {
		return fmt.Errorf("invalid x: %v", err)
	}
	y, err := strconv.ParseFloat(c.fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("invalid y: %v", err)
	}
	resp, _, err := callOnce(c, "tap", rpc.Params{"x": x, "y": y})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runTapElement(args []string) error {
	c := newFlags("tap-element")
	coordinate := c.fs.String("coordinate", "", "element rect handle, e.g. '{{10.0, 20.0}, {30.0, 40.0}}'")
	count := c.fs.Int("count", 1, "number of taps")
	longPress := c.fs.Bool("long-press", false, "long-press instead of tapping")
	c.fs.Parse(args)
	if *coordinate == "" {
		return fmt.Errorf("--coordinate is required")
	}
	params := rpc.Params{
		"coordinate": *coordinate,
		"count":      *count,
		"longPress":  *longPress,
	}
	resp, _, err := callOnce(c, "tap_element", params)
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runEnterText(args []string) error {
	c := newFlags("enter-text")
	coordinate := c.fs.String("coordinate", "", "element rect handle")
	text := c.fs.String("text", "", "text to type")
	c.fs.Parse(args)
	if *coordinate == "" {
		return fmt.Errorf("--coordinate is required")
	}
	resp, _, err := callOnce(c, "enter_text", rpc.Params{
		"coordinate": *coordinate,
		"text":       *text,
	})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runScroll(args []string) error {
	c := newFlags("scroll")
	c.fs.Parse(args)
	if c.fs.NArg() != 4 {
		return fmt.Errorf("scroll requires <x> <y> <distanceX> <distanceY>")
	}
	vals := make([]float64, 4)
	for i := range vals {
		v, err := strconv.ParseFloat(c.fs.Arg(i), 64)
		if err != nil {
			return fmt.Errorf("invalid argument %q: %v", c.fs.Arg(i), err)
		}
		vals[i] = v
	}
	resp, _, err := callOnce(c, "scroll", rpc.Params{
		"x": vals[0], "y": vals[1], "distanceX": vals[2], "distanceY": vals[3],
	})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runSwipe(args []string) error {
	c := newFlags("swipe")
	c.fs.Parse(args)
	if c.fs.NArg() != 3 {
		return fmt.Errorf("swipe requires <x> <y> <direction>")
	}
	x, err := strconv.ParseFloat(c.fs.Arg(0), 64)
	if err != nil {
		return fmt.Errorf("invalid x: %v", err)
	}
	y, err := strconv.ParseFloat(c.fs.Arg(1), 64)
	if err != nil {
		return fmt.Errorf("invalid y: %v", err)
	}
	resp, _, err := callOnce(c, "swipe", rpc.Params{
		"x": x, "y": y, "direction": c.fs.Arg(2),
	})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runOpenApp(args []string) error {
	c := newFlags("open-app")
	c.fs.Parse(args)
	if c.fs.NArg() != 1 {
		return fmt.Errorf("open-app requires a package name")
	}
	resp, _, err := callOnce(c, "open_app", rpc.Params{
		"bundle_identifier": c.fs.Arg(0),
	})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

func runSetAPIKey(args []string) error {
	c := newFlags("set-api-key")
	c.fs.Parse(args)
	if c.fs.NArg() != 1 {
		return fmt.Errorf("set-api-key requires a key")
	}
	resp, _, err := callOnce(c, "set_api_key", rpc.Params{"api_key": c.fs.Arg(0)})
	if err != nil {
		return err
	}
	return printResponse(resp, *c.printMode, *c.pretty)
}

// runRepl keeps one connection open and issues requests with increasing ids.
// Input is "method [json-params]" per line.
func runRepl(args []string) error {
	c := newFlags("repl")
	c.fs.Parse(args)
	cc, err := c.clientConfig()
	if err != nil {
		return err
	}
	client, err := rpc.Dial(cc.Host, cc.Port, clientOptions(cc))
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("connected to %s:%d; 'method {params}' per line, empty line quits\n", cc.Host, cc.Port)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	id := 1
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			return nil
		}
		method, rest, _ := strings.Cut(line, " ")
		params := rpc.Params{}
		if rest = strings.TrimSpace(rest); rest != "" {
			if err := json.Unmarshal([]byte(rest), &params); err != nil {
				fmt.Println("invalid params JSON:", err)
				continue
			}
		}
		resp, err := client.Call(id, method, params)
		if err != nil {
			return err
		}
		id++
		if err := printResponse(resp, *c.printMode, *c.pretty); err != nil {
			return err
		}
	}
}

// printResponse renders a response per the requested mode. Errors in the
// envelope become a process-level error so exit codes reflect failures.
func printResponse(resp *rpc.Response, mode string, pretty bool) error {
	if resp.Error != nil {
		return fmt.Errorf("bridge error: %s", resp.Error.Message)
	}
	switch mode {
	case "json":
		return printJSON(resp, pretty)
	case "result":
		var result any
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return err
		}
		return printJSON(result, pretty)
	case "tree":
		var result struct {
			Tree string `json:"tree"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Tree == "" {
			return fmt.Errorf("result carries no hierarchy text")
		}
		fmt.Println(result.Tree)
		return nil
	default:
		return fmt.Errorf("unknown print mode %q", mode)
	}
}

func printJSON(v any, pretty bool) error {
	enc := json.NewEncoder(os.Stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
