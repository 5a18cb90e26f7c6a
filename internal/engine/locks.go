package engine

import "sync"

// deploymentLocks мьютекс на deployment_id: переходы юнитов одного развертывания
// и пересчет его агрегата сериализуются, разные развертывания не мешают друг другу.
// Запись удаляется, когда ее больше никто не держит и не ждет.
type deploymentLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newDeploymentLocks() *deploymentLocks {
	return &deploymentLocks{locks: make(map[string]*refLock)}
}

// Lock блокирует развертывание и возвращает функцию разблокировки
func (l *deploymentLocks) Lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()

	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *deploymentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
