package repair

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Confirmer approves an outer batch before it is repaired.
type Confirmer interface {
	Confirm(ctx context.Context, index int, batch []Target) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, index int, batch []Target) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, index int, batch []Target) (bool, error) {
	return f(ctx, index, batch)
}

// PromptConfirmer asks on a terminal. Only "y" and "yes" approve.
type PromptConfirmer struct {
	out io.Writer
	in  *bufio.Reader
}

func NewPromptConfirmer(in io.Reader, out io.Writer) *PromptConfirmer {
	return &PromptConfirmer{out: out, in: bufio.NewReader(in)}
}

func (p *PromptConfirmer) Confirm(ctx context.Context, index int, batch []Target) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(p.out, "Batch %d (%d records):\n", index+1, len(batch))
	for _, t := range batch {
		fmt.Fprintf(p.out, "  %s  %s\n", t.Code, t.FileName)
	}
	fmt.Fprint(p.out, "Repair this batch? [y/N] ")

	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
