package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// linePrompter reads answers from a line-oriented reader such as stdin.
type linePrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

// Ask prints question and returns the next line. ctx cancellation is observed before reading only.
func (p *linePrompter) Ask(ctx context.Context, question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, question)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// SelectTag lists tags and asks for one.
func (p *linePrompter) SelectTag(ctx context.Context, tags []string) (string, error) {
	fmt.Fprintln(p.out, "Available version tags:")
	for _, t := range tags {
		fmt.Fprintf(p.out, "- %s\n", t)
	}
	return p.Ask(ctx, "Select version tag: ")
}
