package main

import (
	"fmt"
	"os"
	"strings"

	configs "github.com/saveenergy/tunnelbench/cmd/configs"
	mcpcmd "github.com/saveenergy/tunnelbench/cmd/mcp"
	resultscmd "github.com/saveenergy/tunnelbench/cmd/results"
	runcmd "github.com/saveenergy/tunnelbench/cmd/run"
)

var version = "dev"

var (
	runBench   = runcmd.Run
	runConfigs = configs.Run
	runResults = resultscmd.Run
	runMCP     = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runBench(nil, version)
	}

	switch args[0] {
	case "run":
		return runBench(args[1:], version)
	case "configs":
		return runConfigs(args[1:], version)
	case "results":
		return runResults(args[1:], version)
	case "mcp":
		return runMCP(version)
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version":
		fmt.Printf("tunnelbench %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runBench(args, version)
		}
		fmt.Fprintf(os.Stderr, "tunnelbench: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: tunnelbench <command> [args]

Commands:
  run       Benchmark every tunnel config (default when no command provided)
  configs   List the configs a run would benchmark, in run order
  results   Show the last results file or a stored run with grades
  mcp       Run as MCP server (stdio transport, for AI agents)

Examples:
  tunnelbench run --configs-dir ./mullvad_configs --on-error continue
  tunnelbench run --history-db ./history.db --progress-addr 127.0.0.1:8090
  tunnelbench results -v
  tunnelbench results --history-db ./history.db --latest --json
  tunnelbench mcp
`)
}
