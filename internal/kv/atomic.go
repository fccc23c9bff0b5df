package kv

// MutationKind selects what a Mutation does to its key.
type MutationKind int

const (
	MutationSet MutationKind = iota
	MutationDelete
)

func (m MutationKind) String() string {
	switch m {
	case MutationSet:
		return "set"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Check asserts that Key currently has Versionstamp. An empty versionstamp
// asserts that the key is absent.
type Check struct {
	Key          Key
	Versionstamp Versionstamp
}

// Mutation is one write within an atomic batch.
type Mutation struct {
	Kind  MutationKind
	Key   Key
	Value []byte
}

// Atomic collects checks and mutations for a single Backend.Commit.
type Atomic struct {
	Checks    []Check
	Mutations []Mutation
}

// NewAtomic returns an empty batch.
func NewAtomic() *Atomic {
	return &Atomic{}
}

// Check adds a check for every entry, pinning it to the versionstamp it was
// read with.
func (a *Atomic) Check(entries ...Entry) *Atomic {
	for _, e := range entries {
		a.Checks = append(a.Checks, Check{Key: e.Key, Versionstamp: e.Versionstamp})
	}
	return a
}

// Set writes value to key.
func (a *Atomic) Set(key Key, value []byte) *Atomic {
	a.Mutations = append(a.Mutations, Mutation{Kind: MutationSet, Key: key, Value: value})
	return a
}

// Delete removes key. Deleting an absent key is not an error.
func (a *Atomic) Delete(key Key) *Atomic {
	a.Mutations = append(a.Mutations, Mutation{Kind: MutationDelete, Key: key})
	return a
}
