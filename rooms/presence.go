package rooms

import (
	"time"

	"github.com/samber/lo"
)

type typingMark struct {
	timer *time.Timer
	gen   uint64
	// origin is the connection that last marked; expiry broadcasts exclude it.
	origin string
}

// presence keeps members and typing users in arrival order.
type presence struct {
	members []string
	typing  []string
	marks   map[string]*typingMark
	gen     uint64
}

func newPresence() presence {
	return presence{marks: make(map[string]*typingMark)}
}

func (p *presence) has(username string) bool {
	return lo.Contains(p.members, username)
}

// add reports whether username was newly added.
func (p *presence) add(username string) bool {
	if p.has(username) {
		return false
	}
	p.members = append(p.members, username)
	return true
}

// remove drops username from members and typing, reporting whether it was a member.
func (p *presence) remove(username string) bool {
	if !p.has(username) {
		return false
	}
	p.members = lo.Without(p.members, username)
	p.unmark(username)
	return true
}

// mark adds username to the typing set and (re)starts its expiry.
func (p *presence) mark(username, origin string, timeout time.Duration, onExpire func(username string, gen uint64)) {
	p.gen++
	gen := p.gen

	m, ok := p.marks[username]
	if ok {
		m.timer.Stop()
	} else {
		m = &typingMark{}
		p.marks[username] = m
		p.typing = append(p.typing, username)
	}
	m.gen = gen
	m.origin = origin
	m.timer = time.AfterFunc(timeout, func() { onExpire(username, gen) })
}

// unmark clears username's typing mark, reporting whether one existed.
func (p *presence) unmark(username string) bool {
	m, ok := p.marks[username]
	if !ok {
		return false
	}
	m.timer.Stop()
	delete(p.marks, username)
	p.typing = lo.Without(p.typing, username)
	return true
}

func (p *presence) currentMark(username string, gen uint64) (*typingMark, bool) {
	m, ok := p.marks[username]
	if !ok || m.gen != gen {
		return nil, false
	}
	return m, true
}

func (p *presence) memberList() []string {
	return append([]string{}, p.members...)
}

func (p *presence) typingList() []string {
	return append([]string{}, p.typing...)
}

func (p *presence) stopAll() {
	for _, m := range p.marks {
		m.timer.Stop()
	}
}
