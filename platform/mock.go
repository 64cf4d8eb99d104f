package platform

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Call is one recorded MockTransport invocation.
type Call struct {
	Method  string
	Group   int64
	User    int64
	IDs     []int
	Text    string
	ReplyTo int
	Buttons []Button
	Until   int64
}

// MockTransport is an in-memory Transport that records every call. Failures can be injected per method.
type MockTransport struct {
	mu     sync.Mutex
	nextID int
	calls  []Call
	fail   map[string]error

	Perms  map[int64]Permissions
	Admins map[int64][]int64
}

var _ Transport = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{
		nextID: 100,
		fail:   make(map[string]error),
		Perms:  make(map[int64]Permissions),
		Admins: make(map[int64][]int64),
	}
}

// FailOn makes every subsequent call of method return err; a nil err clears it.
func (m *MockTransport) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, method)
		return
	}
	m.fail[method] = err
}

func (m *MockTransport) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[c.Method]; ok {
		return err
	}
	m.calls = append(m.calls, c)
	return nil
}

// Calls returns the recorded calls, optionally only those of the given methods.
func (m *MockTransport) Calls(methods ...string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if len(methods) == 0 || slices.Contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MockTransport) SendAnnouncement(ctx context.Context, group int64, text string, replyTo int, buttons []Button) (MessageRef, error) {
	if err := m.record(Call{Method: "send", Group: group, Text: text, ReplyTo: replyTo, Buttons: buttons}); err != nil {
		return MessageRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return MessageRef{Group: group, ID: m.nextID}, nil
}

func (m *MockTransport) EditAnnouncement(ctx context.Context, ref MessageRef, text string, media *Media, buttons []Button) error {
	if media != nil {
		text = media.Caption
	}
	return m.record(Call{Method: "edit", Group: ref.Group, IDs: []int{ref.ID}, Text: text, Buttons: buttons})
}

func (m *MockTransport) DeleteMessages(ctx context.Context, group int64, ids []int) error {
	return m.record(Call{Method: "delete", Group: group, IDs: slices.Clone(ids)})
}

func (m *MockTransport) RestrictUser(ctx context.Context, group, user int64) error {
	return m.record(Call{Method: "restrict", Group: group, User: user})
}

func (m *MockTransport) UnrestrictUser(ctx context.Context, group, user int64) error {
	return m.record(Call{Method: "unrestrict", Group: group, User: user})
}

func (m *MockTransport) KickUser(ctx context.Context, group, user int64) error {
	return m.record(Call{Method: "kick", Group: group, User: user})
}

func (m *MockTransport) BanUser(ctx context.Context, group, user int64, until int64) error {
	return m.record(Call{Method: "ban", Group: group, User: user, Until: until})
}

func (m *MockTransport) UnbanUser(ctx context.Context, group, user int64) error {
	return m.record(Call{Method: "unban", Group: group, User: user})
}

func (m *MockTransport) PinMessage(ctx context.Context, ref MessageRef) error {
	return m.record(Call{Method: "pin", Group: ref.Group, IDs: []int{ref.ID}})
}

func (m *MockTransport) UnpinMessage(ctx context.Context, ref MessageRef) error {
	return m.record(Call{Method: "unpin", Group: ref.Group, IDs: []int{ref.ID}})
}

func (m *MockTransport) ExportInvite(ctx context.Context, group int64) (string, error) {
	if err := m.record(Call{Method: "invite", Group: group}); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("https://chat.example/+invite%d", m.nextID), nil
}

// GroupPermissions defaults to full rights for groups without an entry in Perms.
func (m *MockTransport) GroupPermissions(ctx context.Context, group int64) (Permissions, error) {
	if err := m.record(Call{Method: "permissions", Group: group}); err != nil {
		return Permissions{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.Perms[group]; ok {
		return p, nil
	}
	return Permissions{Present: true, Admin: true, CanDelete: true, CanRestrict: true, CanPin: true, CanInvite: true}, nil
}

func (m *MockTransport) ListAdmins(ctx context.Context, group int64) ([]int64, error) {
	if err := m.record(Call{Method: "admins", Group: group}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.Admins[group]), nil
}

func (m *MockTransport) LeaveGroup(ctx context.Context, group int64) error {
	return m.record(Call{Method: "leave", Group: group})
}
