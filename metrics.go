package main

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// metrics counts dispatch outcomes, overall and per account. Served as
// Prometheus text format without pulling in a client library.
type metrics struct {
	mu         sync.Mutex
	outcomes   map[string]int64            // outcome -> count
	accOutcome map[string]map[string]int64 // account -> outcome -> count
}

func newMetrics() *metrics {
	return &metrics{
		outcomes:   make(map[string]int64),
		accOutcome: make(map[string]map[string]int64),
	}
}

func (m *metrics) inc(outcome string, account string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	if account != "" {
		mp, ok := m.accOutcome[account]
		if !ok {
			mp = make(map[string]int64)
			m.accOutcome[account] = mp
		}
		mp[outcome]++
	}
	m.mu.Unlock()
}

func (m *metrics) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()
	// overall
	outcomes := make([]string, 0, len(m.outcomes))
	for s := range m.outcomes {
		outcomes = append(outcomes, s)
	}
	sort.Strings(outcomes)
	for _, s := range outcomes {
		fmt.Fprintf(w, "gbproxy_requests_total{outcome=\"%s\"} %d\n", s, m.outcomes[s])
	}
	// per account
	accs := make([]string, 0, len(m.accOutcome))
	for a := range m.accOutcome {
		accs = append(accs, a)
	}
	sort.Strings(accs)
	for _, a := range accs {
		st := m.accOutcome[a]
		sts := make([]string, 0, len(st))
		for s := range st {
			sts = append(sts, s)
		}
		sort.Strings(sts)
		for _, s := range sts {
			fmt.Fprintf(w, "gbproxy_account_attempts_total{account=\"%s\",outcome=\"%s\"} %d\n", a, s, st[s])
		}
	}
}
