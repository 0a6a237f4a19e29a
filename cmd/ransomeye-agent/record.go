package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ransomeye/core/pkg/agent"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// runRecord spools one event into the buffer. Detection sensors shell
// out to this; the upload loop picks the event up on its next pass.
func runRecord(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "read the event JSON from this file instead of stdin")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var raw []byte
	var err error
	if *file != "" {
		raw, err = os.ReadFile(*file)
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "record: %v\n", err)
		return 1
	}

	var e contracts.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		_, _ = fmt.Fprintf(stderr, "record: decode event: %v\n", err)
		return faults.ExitCode(faults.Validationf("record: %v", err))
	}

	cfg := config.LoadAgent()
	if e.AgentID == "" {
		e.AgentID = cfg.AgentID
	}

	buf, err := agent.NewBuffer(cfg.BufferDir, cfg.MaxBufferBytes)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "record: %v\n", err)
		return 1
	}
	if err := buf.Record(e); err != nil {
		_, _ = fmt.Fprintf(stderr, "record: %v\n", err)
		return faults.ExitCode(err)
	}

	_, _ = fmt.Fprintf(stdout, "spooled %s\n", e.EventID)
	return 0
}
