package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State 对应 worker 版本的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// ErrIllegalTransition 表示状态机收到不允许的跳转。
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

var transitions = map[State][]State{
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateRedundant},
	StateActivated:  {StateRedundant},
}

// Version 是一次 install→activate 尝试，失败或被新版本取代后进入 redundant。
type Version struct {
	ID        string
	CreatedAt time.Time

	mu    sync.RWMutex
	state State
}

func newVersion() *Version {
	return &Version{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		state:     StateInstalling,
	}
}

// State 返回当前阶段。
func (v *Version) State() State {
	if v == nil {
		return ""
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Version) transition(to State) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, allowed := range transitions[v.state] {
		if allowed == to {
			v.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, v.state, to)
}
