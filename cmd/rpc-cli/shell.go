package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/drblury/brokerrpc"
	"github.com/drblury/brokerrpc/internal/runtime/jsoncodec"
)

const (
	prompt          = "-] "
	onewayPrefix    = "!oneway"
	maxAliasDepth   = 8
	quitCommand     = "q"
	usageCallFormat = "usage: <topic> <method> [json params] or !oneway <topic> <method> [json params]"
)

// caller is the part of the broker the shell drives.
type caller interface {
	CallAndPrint(ctx context.Context, w io.Writer, topic, method string, params brokerrpc.Params) error
	CallOneway(ctx context.Context, topic, method string, params brokerrpc.Params) error
}

type shell struct {
	broker  caller
	out     io.Writer
	aliases map[string][]string
}

var errQuit = errors.New("quit")

// run reads commands from in until it is exhausted, ctx is done, or the user quits.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, prompt)
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := s.exec(ctx, line, 0); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				return err
			}
		}
	}
}

// exec runs one line. Only quitting is returned as an error; everything else is
// printed so the loop carries on.
func (s *shell) exec(ctx context.Context, line string, depth int) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line == quitCommand {
		return errQuit
	}

	if expansion, ok := s.aliases[line]; ok {
		if depth >= maxAliasDepth {
			fmt.Fprintf(s.out, "alias %q nests too deeply\n", line)
			return nil
		}
		for _, next := range expansion {
			if err := s.exec(ctx, next, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	oneway := false
	if rest, ok := strings.CutPrefix(line, onewayPrefix); ok {
		oneway = true
		line = strings.TrimSpace(rest)
	}

	topic, method, params, err := parseCall(line)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return nil
	}

	if oneway {
		err = s.broker.CallOneway(ctx, topic, method, params)
		if err == nil {
			fmt.Fprintln(s.out, "sent")
		}
	} else {
		err = s.broker.CallAndPrint(ctx, s.out, topic, method, params)
	}
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return nil
}

// parseCall splits "<topic> <method> [json params]".
func parseCall(line string) (topic, method string, params brokerrpc.Params, err error) {
	topic, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	method, raw, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if topic == "" || method == "" {
		return "", "", brokerrpc.Params{}, errors.New(usageCallFormat)
	}
	params, err = parseParams(strings.TrimSpace(raw))
	if err != nil {
		return "", "", brokerrpc.Params{}, err
	}
	return topic, method, params, nil
}

// parseParams maps a JSON array to positional parameters, an object to keyword
// parameters, and any other value to a single positional parameter.
func parseParams(raw string) (brokerrpc.Params, error) {
	if raw == "" {
		return brokerrpc.Params{}, nil
	}

	var value any
	if err := jsoncodec.UnmarshalInts([]byte(raw), &value); err != nil {
		return brokerrpc.Params{}, fmt.Errorf("params are not valid JSON: %w", err)
	}

	switch v := value.(type) {
	case []any:
		return brokerrpc.Args(v...), nil
	case map[string]any:
		return brokerrpc.Kwargs(v), nil
	default:
		return brokerrpc.Args(v), nil
	}
}
