//go:build e2e

package e2e

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/testcontainers/testcontainers-go"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func StripAnsi(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

type logWaiter struct {
	node  string
	re    *regexp.Regexp
	match chan struct{}
}

// LogManager keeps every node's output and wakes waiters whose pattern shows up.
type LogManager struct {
	mu      sync.Mutex
	history map[string]*strings.Builder
	waiters []*logWaiter
}

func NewLogManager() *LogManager {
	return &LogManager{history: make(map[string]*strings.Builder)}
}

func (m *LogManager) Accept(node string, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.history[node]
	if !ok {
		b = &strings.Builder{}
		m.history[node] = b
	}
	b.WriteString(content)
	m.notify(node)
}

// notify must be called with mu held.
func (m *LogManager) notify(node string) {
	full := m.history[node].String()
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.node == node && w.re.MatchString(full) {
			close(w.match)
			continue
		}
		kept = append(kept, w)
	}
	m.waiters = kept
}

// Match returns a channel closed once pattern matches anything node has logged, including past output.
func (m *LogManager) Match(node, pattern string) (<-chan struct{}, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	w := &logWaiter{node: node, re: re, match: make(chan struct{})}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters = append(m.waiters, w)
	if _, ok := m.history[node]; ok {
		m.notify(node)
	}
	return w.match, nil
}

type UnifiedLogConsumer struct {
	Node    string
	Manager *LogManager
}

func (c *UnifiedLogConsumer) Accept(l testcontainers.Log) {
	content := StripAnsi(string(l.Content))
	fmt.Printf("[%s:%s] %s", c.Node, l.LogType, content)
	c.Manager.Accept(c.Node, content)
}
