package main

import (
	"fmt"
	"io"
	"sync"
)

// terminalNotifier печатает уведомления в stderr.
type terminalNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (n *terminalNotifier) Success(msg string) {
	n.print("✓", msg)
}

func (n *terminalNotifier) Error(msg string) {
	n.print("✗", msg)
}

func (n *terminalNotifier) print(mark, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.w, "%s %s\n", mark, msg)
}
