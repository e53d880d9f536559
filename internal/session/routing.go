package session

import "github.com/alvmarrod/statweaver/internal/signals"

// The methods below route stats operations by correlation token so call sites
// anywhere in the host only need the Manager and the spider they work for.

func (m *Manager) SetValue(spider, key string, value any) error {
	c, err := m.collector(spider)
	if err != nil {
		return err
	}
	return c.SetValue(key, value)
}

func (m *Manager) IncValue(spider, key string, count, start any) error {
	c, err := m.collector(spider)
	if err != nil {
		return err
	}
	return c.IncValue(key, count, start)
}

// Inc adds one to key.
func (m *Manager) Inc(spider, key string) error {
	return m.IncValue(spider, key, 1, 0)
}

func (m *Manager) MaxValue(spider, key string, value any) error {
	c, err := m.collector(spider)
	if err != nil {
		return err
	}
	return c.MaxValue(key, value)
}

func (m *Manager) MinValue(spider, key string, value any) error {
	c, err := m.collector(spider)
	if err != nil {
		return err
	}
	return c.MinValue(key, value)
}

func (m *Manager) ClearStats(spider string) error {
	c, err := m.collector(spider)
	if err != nil {
		return err
	}
	return c.ClearStats()
}

// GetValue returns def when the key or the session is missing.
func (m *Manager) GetValue(spider, key string, def any) any {
	c, err := m.collector(spider)
	if err != nil {
		return def
	}
	return c.GetValue(key, def)
}

// Stats returns a copy of the live stats of an open session.
func (m *Manager) Stats(spider string) (signals.Snapshot, error) {
	c, err := m.collector(spider)
	if err != nil {
		return nil, err
	}
	return c.GetStats(), nil
}
