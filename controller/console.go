package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const consoleHelp = "commands: start | stop | status | server | edges <file> | replay <file>"

// Console reads operator commands line by line from in until EOF or ctx is
// done. Replies go to out.
func (c *Controller) Console(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := c.command(ctx, fields, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return errors.Wrap(sc.Err(), "controller: read console")
}

func (c *Controller) command(ctx context.Context, fields []string, out io.Writer) error {
	switch fields[0] {
	case "start":
		c.Start()
		fmt.Fprintln(out, "started")
	case "stop":
		fmt.Fprintln(out, "stopping, waiting for running workers")
		if err := c.Stop(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "stopped")
	case "status":
		fmt.Fprintln(out, c.Status())
	case "server":
		for _, s := range c.Servers() {
			fmt.Fprintln(out, s)
		}
	case "edges":
		if len(fields) != 2 {
			return errors.New("usage: edges <file>")
		}
		if err := c.DumpEdges(fields[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", fields[1])
	case "replay":
		if len(fields) != 2 {
			return errors.New("usage: replay <file>")
		}
		res, err := c.Replay(ctx, fields[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "run %s: outcome=%s executed=%d/%d edges=%d duration=%s\n",
			res.RunID, res.Outcome(), res.Executed.Len(), res.Requested.Len(), len(res.Coverage.Edges), res.Duration())
	default:
		fmt.Fprintln(out, consoleHelp)
	}
	return nil
}
