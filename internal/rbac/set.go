package rbac

// PermissionSet is an ordered set of permissions without duplicates.
type PermissionSet struct {
	items []string
	index map[string]struct{}
}

func NewPermissionSet(perms ...string) PermissionSet {
	s := PermissionSet{index: make(map[string]struct{}, len(perms))}
	for _, p := range perms {
		if p == "" {
			continue
		}
		if _, ok := s.index[p]; ok {
			continue
		}
		s.index[p] = struct{}{}
		s.items = append(s.items, p)
	}
	return s
}

func (s PermissionSet) Has(perm string) bool {
	_, ok := s.index[perm]
	return ok
}

func (s PermissionSet) HasAll(perms ...string) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// List returns the permissions in grant order.
func (s PermissionSet) List() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
