package buyer

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Pool is the tradable universe: codes on the whitelist and not on the
// blacklist. An empty whitelist admits every code not blacklisted.
type Pool struct {
	mu    sync.RWMutex
	white map[string]struct{}
	black map[string]struct{}
}

// NewPool returns an empty pool that admits everything.
func NewPool() *Pool {
	return &Pool{white: map[string]struct{}{}, black: map[string]struct{}{}}
}

// Refresh replaces both lists. Lines of whiteFile (if set) are added to the
// whitelist; blank lines and lines starting with '#' are ignored.
func (p *Pool) Refresh(whiteCodes, blackCodes []string, whiteFile string) error {
	white := toSet(whiteCodes)
	if whiteFile != "" {
		codes, err := readCodes(whiteFile)
		if err != nil {
			return fmt.Errorf("read white codes: %w", err)
		}
		for _, c := range codes {
			white[c] = struct{}{}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.white = white
	p.black = toSet(blackCodes)
	return nil
}

// Allowed reports whether code may be bought.
func (p *Pool) Allowed(code string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.black[code]; ok {
		return false
	}
	if len(p.white) == 0 {
		return true
	}
	_, ok := p.white[code]
	return ok
}

// Codes lists whitelisted codes minus blacklisted ones, sorted.
func (p *Pool) Codes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.white))
	for c := range p.white {
		if _, ok := p.black[c]; !ok {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Sizes returns the whitelist and blacklist lengths.
func (p *Pool) Sizes() (white, black int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.white), len(p.black)
}

func toSet(codes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

func readCodes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var codes []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes = append(codes, line)
	}
	return codes, sc.Err()
}
