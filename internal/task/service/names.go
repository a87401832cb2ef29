package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/kandev/internal/worktree"
)

// nameAllocator hands out unique session names within a repository: the
// caller-requested name first, then up to 10 two-letter-suffixed variants,
// then up to 20 incrementing-numeric-suffixed variants (§4.1 create_session
// "name allocation with suffix retries"). It tracks names reserved for
// in-flight creations so two concurrent callers never collide before either
// has persisted its session row.
type nameAllocator struct {
	mu       sync.Mutex
	reserved map[string]map[string]struct{} // repositoryPath -> reserved names
}

func newNameAllocator() *nameAllocator {
	return &nameAllocator{reserved: make(map[string]map[string]struct{})}
}

// exists reports whether name is already taken, either persisted or reserved
// by another in-flight creation.
type nameExistsFunc func(ctx context.Context, repositoryPath, name string) (bool, error)

// Allocate finds and reserves a free name, returning a release func the
// caller must invoke once the name is persisted (or creation failed).
func (a *nameAllocator) Allocate(ctx context.Context, repositoryPath, requested string, exists nameExistsFunc) (string, func(), error) {
	candidates := candidateNames(requested)

	for _, candidate := range candidates {
		if a.tryReserve(repositoryPath, candidate) {
			taken, err := exists(ctx, repositoryPath, candidate)
			if err != nil {
				a.release(repositoryPath, candidate)
				return "", nil, err
			}
			if !taken {
				release := func() { a.release(repositoryPath, candidate) }
				return candidate, release, nil
			}
			a.release(repositoryPath, candidate)
		}
	}
	return "", nil, fmt.Errorf("could not allocate a unique session name for %q after %d attempts", requested, len(candidates))
}

func (a *nameAllocator) tryReserve(repositoryPath, name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.reserved[repositoryPath]
	if !ok {
		set = make(map[string]struct{})
		a.reserved[repositoryPath] = set
	}
	if _, taken := set[name]; taken {
		return false
	}
	set[name] = struct{}{}
	return true
}

func (a *nameAllocator) release(repositoryPath, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.reserved[repositoryPath]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(a.reserved, repositoryPath)
		}
	}
}

// candidateNames builds the ordered list of names to try: the requested name
// itself, then 10 two-letter-suffixed variants, then 20 incrementing-numeric
// variants.
func candidateNames(requested string) []string {
	base := worktree.SanitizeForBranch(requested, 40)
	if base == "" {
		base = "session"
	}

	out := []string{base}
	for i := 0; i < 10; i++ {
		out = append(out, base+"-"+worktree.SmallSuffix(2))
	}
	for i := 1; i <= 20; i++ {
		out = append(out, fmt.Sprintf("%s-%d", base, i))
	}
	return out
}
