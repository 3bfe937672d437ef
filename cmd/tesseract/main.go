// Command tesseract runs a demo RPC server and calls it from the command line.
//
//	tesseract serve --config tesseract.toml
//	tesseract call Arith.Add '{"A":1,"B":2}'
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
