package warehouse

import (
	"context"
	"fmt"
	"sync"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// Memory is an in-memory Warehouse for tests and the CLI.
type Memory struct {
	mu     sync.Mutex
	tables map[string][]Row

	// FailNext makes the next mutation fail transiently.
	FailNext bool
}

// NewMemory returns an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Row)}
}

func (m *Memory) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return errs.Newf(errs.KindTransient, "warehouse: injected transient failure")
	}
	return nil
}

// InsertRows appends rows to table.
func (m *Memory) InsertRows(_ context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, row := range rows {
		cp := Row{}
		for k, v := range row {
			cp[k] = v
		}
		m.tables[table] = append(m.tables[table], cp)
	}
	return nil
}

// ExistsByKey reports whether any row matches every key column.
func (m *Memory) ExistsByKey(_ context.Context, table string, key Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(table, key) >= 0, nil
}

// UpsertRow merges row into the row matching key, accumulating
// occurrences and preserving first_seen like the Postgres impl.
func (m *Memory) UpsertRow(_ context.Context, table string, key Row, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}

	if i := m.find(table, key); i >= 0 {
		existing := m.tables[table][i]
		for k, v := range row {
			if k == "first_seen" {
				continue
			}
			if k == "occurrences" {
				n, _ := existing["occurrences"].(int)
				if n == 0 {
					n = 1
				}
				existing["occurrences"] = n + 1
				continue
			}
			existing[k] = v
		}
		return nil
	}

	merged := Row{}
	for k, v := range key {
		merged[k] = v
	}
	for k, v := range row {
		merged[k] = v
	}
	if _, ok := merged["occurrences"]; !ok {
		merged["occurrences"] = 1
	}
	m.tables[table] = append(m.tables[table], merged)
	return nil
}

// find returns the index of the first row matching key, or -1.
// Comparison goes through fmt.Sprint so int/int64/string key values
// compare the way the SQL layer would.
func (m *Memory) find(table string, key Row) int {
	for i, row := range m.tables[table] {
		match := true
		for k, v := range key {
			if fmt.Sprint(row[k]) != fmt.Sprint(v) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Rows returns a copy of the rows in table. Test helper.
func (m *Memory) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.tables[table]))
	for i, row := range m.tables[table] {
		cp := Row{}
		for k, v := range row {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}
