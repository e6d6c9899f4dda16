// Command genvectors emits the interrupt entry stub sources for kernel/irq:
// one assembly stub per vector plus the Go declarations and dispatch table
// that reference them. Vectors that push a hardware error code get a stub
// that only pushes the vector number; all others push a zero placeholder so
// the stack layout seen by the common entry path is uniform.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
)

const numVectors = 256

// errorCodeVectors lists the exceptions for which the CPU pushes an error
// code before transferring to the gate.
var errorCodeVectors = map[int]bool{
	8:  true,
	10: true,
	11: true,
	12: true,
	13: true,
	14: true,
	17: true,
	21: true,
	29: true,
	30: true,
}

const header = "// Code generated by tools/genvectors. DO NOT EDIT.\n\n"

func main() {
	outDir := flag.String("out", "kernel/irq", "output directory")
	flag.Parse()

	if err := writeGoFile(filepath.Join(*outDir, "entries_amd64.go")); err != nil {
		fatal(err)
	}
	if err := writeAsmFile(filepath.Join(*outDir, "entries_amd64.s")); err != nil {
		fatal(err)
	}

	color.Green("generated entry stubs for %d vectors in %s", numVectors, *outDir)
}

func fatal(err error) {
	color.Red("genvectors: %v", err)
	os.Exit(1)
}

func writeGoFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprint(f, header)
	fmt.Fprint(f, "package irq\n\n")
	fmt.Fprint(f, "// Entry stubs for all interrupt vectors, implemented in entries_amd64.s.\n")
	for vector := 0; vector < numVectors; vector++ {
		fmt.Fprintf(f, "func vector%d()\n", vector)
	}

	fmt.Fprint(f, "\n// vectorEntries maps each vector to its entry stub.\n")
	fmt.Fprint(f, "var vectorEntries = [numVectors]func(){\n")
	for vector := 0; vector < numVectors; vector++ {
		fmt.Fprintf(f, "\tvector%d,\n", vector)
	}
	fmt.Fprint(f, "}\n")
	return nil
}

func writeAsmFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fmt.Fprint(f, header)
	fmt.Fprint(f, "#include \"textflag.h\"\n")
	for vector := 0; vector < numVectors; vector++ {
		fmt.Fprintf(f, "\nTEXT ·vector%d(SB),NOSPLIT|NOFRAME,$0\n", vector)
		if !errorCodeVectors[vector] {
			fmt.Fprint(f, "\tPUSHQ $0\n")
		}
		fmt.Fprintf(f, "\tPUSHQ $%d\n", vector)
		fmt.Fprint(f, "\tJMP ·interruptCommon(SB)\n")
	}
	return nil
}
