package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	trax "github.com/JakeEhrlich/trax"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-debug] [-no-jit] [-threshold N] <file.trax> <Type:method> [int args...]\n", os.Args[0])
	os.Exit(1)
}

func main() {
	cfg := trax.DefaultConfig()
	var positional []string
	i := 1
	for i < len(os.Args) {
		arg := os.Args[i]
		if arg == "-debug" {
			trax.Debug = true
			i = i + 1
		} else if arg == "-no-jit" {
			cfg.EnableJIT = false
			i = i + 1
		} else if arg == "-threshold" && i+1 < len(os.Args) {
			n, err := strconv.Atoi(os.Args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid threshold %q\n", os.Args[i+1])
				os.Exit(1)
			}
			cfg.TraceThreshold = n
			i = i + 2
		} else if strings.HasPrefix(arg, "-") {
			usage()
		} else {
			positional = append(positional, arg)
			i = i + 1
		}
	}
	if len(positional) < 2 {
		usage()
	}

	src, err := os.ReadFile(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	prog, err := trax.CompileProgram(string(src))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", positional[0], err)
		os.Exit(1)
	}

	typeName, methodName, ok := strings.Cut(positional[1], ":")
	if !ok {
		usage()
	}

	it, err := trax.NewInterpreter(prog, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var args []trax.Value
	for _, raw := range positional[2:] {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid integer argument %q\n", raw)
			os.Exit(1)
		}
		args = append(args, trax.FromInt(n))
	}

	// The receiver: an instance of the named type. For Int the first
	// argument is the receiver; for a struct we allocate one with nil
	// fields so simple entry points can run.
	var recv trax.Value
	switch typeName {
	case "Int":
		if len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Int receiver requires at least one integer argument\n")
			os.Exit(1)
		}
		recv = args[0]
		args = args[1:]
	default:
		info := prog.TypeByName(typeName)
		if info == nil {
			fmt.Fprintf(os.Stderr, "unknown type %q\n", typeName)
			os.Exit(1)
		}
		fields := make([]trax.Value, len(info.Fields))
		for i := range fields {
			fields[i] = trax.Nil
		}
		recv, err = it.Arena().NewObject(info.TypeIndex, fields)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}

	result, err := it.Run(recv, methodName, args...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Println(result)
}
