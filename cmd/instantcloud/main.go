// instantcloud is a command-line client for the Instant Cloud API: it lists
// licenses and machines, launches machines and kills them.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/devghori1264/instantcloud/internal/client"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

// run executes the command line args and returns the process exit status.
func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	app := newApp(stdout, stderr, getenv)
	defer app.close()

	root := app.rootCmd()
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		report(stderr, err)
		return 1
	}
	return 0
}

func report(w io.Writer, err error) {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		fmt.Fprintln(w, "ERROR:", apiErr.StatusCode)
		fmt.Fprintln(w, apiErr.Body)
		return
	}
	fmt.Fprintln(w, "error:", err)
}
