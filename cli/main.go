//go:build windows

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/voidwalk/hookcave"
)

var g_verbose bool = false

func usage() {
	fmt.Print(
		"hookcave cli\n",
		"Usage:\n",
		"    hookcave ps\n",
		"    hookcave <pid_or_exename> modules\n",
		"    hookcave <pid_or_exename> regions\n",
		"    hookcave <pid_or_exename> find <pattern>\n",
		"    hookcave <pid_or_exename> show <addr> [size]\n",
		"    hookcave <pid_or_exename> read <addr> <size>\n",
		"    hookcave <pid_or_exename> write <addr> <bytes>\n",
		"    hookcave <pid_or_exename> symbol <module> <name>\n",
	)
}

func pop(args *[]string) string {
	arg := (*args)[0]
	*args = (*args)[1:]
	return arg
}

func parseHex(s string, title string) uint64 {
	if strings.HasPrefix(s, "0x") {
		s = s[2:]
	}
	x, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		color.Red("[?] Invalid %s: %s", title, s)
		os.Exit(1)
	}
	return x
}

func check(err error) {
	if err != nil {
		color.Red("[!] %v", err)
		os.Exit(1)
	}
}

func openTarget(arg string) *hookcave.Process {
	if pid, err := strconv.ParseUint(arg, 10, 32); err == nil {
		process, err := hookcave.Open(uint32(pid))
		check(err)
		return process
	}
	process, err := hookcave.OpenByName(arg)
	check(err)
	return process
}

func showProcesses() {
	pids, err := hookcave.ListProcesses()
	check(err)
	for _, p := range pids {
		fmt.Printf("%6d  %s\n", p.Pid, p.Name)
	}
}

func run(args []string) {
	if len(args) == 0 {
		usage()
		return
	}

	if args[0] == "ps" {
		showProcesses()
		return
	}

	arg := pop(&args)
	process := openTarget(arg)
	defer process.Close()

	if len(args) == 0 {
		args = []string{"regions"}
	}

	arg = strings.ToLower(pop(&args))

	switch arg {
	case "modules":
		modules, err := process.Modules()
		check(err)
		for _, m := range modules {
			fmt.Printf("%12x %8x  %s\n", m.Base, m.Size, m.Name)
			if g_verbose {
				fmt.Printf("%21s  %s\n", "", m.Path)
			}
		}
	case "regions":
		regions, err := process.Regions()
		check(err)
		for _, r := range regions {
			flags := [3]byte{'-', '-', '-'}
			if r.Readable {
				flags[0] = 'r'
			}
			if r.Writable {
				flags[1] = 'w'
			}
			if r.Executable {
				flags[2] = 'x'
			}
			fmt.Printf("%12x .. %12x %9x %s\n", r.Base, r.End(), r.Size, flags)
		}
	case "find":
		if len(args) == 0 {
			usage()
			os.Exit(1)
		}
		sig, err := hookcave.ParseSignature(strings.Join(args, " "))
		check(err)
		scanner := hookcave.NewScanner(process, process)
		matches, err := scanner.ScanAll(sig)
		check(err)
		for _, match := range matches {
			fmt.Printf("%x\n", match)
		}
	case "show":
		if len(args) == 0 || len(args) > 2 {
			usage()
			os.Exit(1)
		}
		size := 0x100
		if len(args) == 2 {
			size = int(parseHex(args[1], "size"))
		}
		ea := uintptr(parseHex(args[0], "address"))
		buffer, err := process.ReadBytes(ea, size)
		check(err)
		fmt.Print(hookcave.HexDumpString(buffer, ea))
	case "read":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		buffer, err := process.ReadBytes(uintptr(parseHex(args[0], "ea")), int(parseHex(args[1], "size")))
		check(err)
		os.Stdout.Write(buffer)
	case "write":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		ea := uintptr(parseHex(args[0], "ea"))
		sig, err := hookcave.ParseSignature(args[1])
		check(err)
		data, err := sig.Bytes()
		check(err)
		check(process.WriteBytes(ea, data))
	case "symbol":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		addr, err := process.SymbolAddress(args[0], args[1])
		check(err)
		fmt.Printf("%x\n", addr)
	default:
		color.Red("[?] Invalid command: %s", arg)
		usage()
		os.Exit(1)
	}
}

func main() {
	args := []string{}

	for _, arg := range os.Args[1:] {
		if arg == "help" || arg == "-h" || arg == "--help" {
			usage()
			return
		}
		if arg == "-v" || arg == "--verbose" {
			g_verbose = true
			continue
		}
		args = append(args, arg)
	}

	run(args)
}
