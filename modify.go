package klayquery

import (
	"context"
	"fmt"
)

// ModifyQueryProps names the entry a QueryModifier works on.
type ModifyQueryProps struct {
	Name Key
}

// QueryModifier reads and rewrites one cache entry directly.
type QueryModifier struct {
	qc  *QueryClient
	key Key
}

// UseModifyQuery creates a modifier for props.Name.
func (h *Hooks) UseModifyQuery(props ModifyQueryProps) *QueryModifier {
	return &QueryModifier{qc: h.env().queryClient, key: Name(props.Name...)}
}

// Key returns the modified key.
func (m *QueryModifier) Key() Key {
	return m.key
}

// Data returns the cached value.
func (m *QueryModifier) Data() (any, bool) {
	return m.qc.GetQueryData(m.key)
}

// State returns the entry state.
func (m *QueryModifier) State() QueryState {
	state, _ := m.qc.GetQueryState(m.key)
	return state
}

// SetData replaces the cached value.
func (m *QueryModifier) SetData(v any) {
	m.qc.SetQueryData(m.key, v)
}

// Update replaces the cached value with fn(old).
func (m *QueryModifier) Update(fn func(old any) any) {
	m.qc.UpdateQueryData(m.key, fn)
}

// UpdateResponseData rewrites the decoded body of a cached fetch response.
// It fails with ErrNoData when nothing is cached and when the cached value is
// not a response.
func (m *QueryModifier) UpdateResponseData(fn func(data any) any) error {
	current, ok := m.qc.GetQueryData(m.key)
	if !ok {
		return ErrNoData
	}
	resp, ok := current.(*Response)
	if !ok {
		return fmt.Errorf("%w: %s holds %T", ErrNoData, m.key, current)
	}
	updated, err := resp.WithData(fn(resp.Data))
	if err != nil {
		return err
	}
	m.qc.UpdateQueryData(m.key, func(any) any { return updated })
	return nil
}

// Invalidate marks the key and every key under it stale.
func (m *QueryModifier) Invalidate() int {
	return m.qc.InvalidateQueries(m.key)
}

// Refetch runs the query that last populated the key.
func (m *QueryModifier) Refetch(ctx context.Context) error {
	return m.qc.RefetchQuery(ctx, m.key)
}

// Remove drops the entry.
func (m *QueryModifier) Remove() bool {
	return m.qc.RemoveQuery(m.key)
}
