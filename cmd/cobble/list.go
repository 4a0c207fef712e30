package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
)

// runList implements `cobble list`, printing every declared task name
// either as plain lines or, with --json, as a JSON array (SPEC_FULL
// §13's list subcommand).
func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print task names as a JSON array")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sess, err := bootstrapForInvoke()
	if err != nil {
		return exitCode(nil, err)
	}
	defer sess.Close(context.Background())

	names := sess.reg.TaskNames()
	sort.Strings(names)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(names); err != nil {
			return exitCode(sess.logger, err)
		}
		return 0
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return 0
}
