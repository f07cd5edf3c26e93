// Command throttlectl checks, evaluates and lists throttle exception files
// offline, using the same parser and evaluator as the server.
//
// Usage:
//
//	throttlectl check configs/throttle.yaml
//	throttlectl eval configs/throttle.yaml --project eswiki --ip 190.96.91.202 --at "2017-04-06T12:00 UTC"
//	throttlectl list configs/throttle.yaml --active
//	throttlectl fmt configs/throttle.yaml -w
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
