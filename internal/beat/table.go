package beat

// PageTable maps page paths to tokens for one session. A token is never
// handed to two different paths. Tokens reserved from a resumed flow have no
// known path and block reuse until a path hashing to them claims them.
type PageTable struct {
	byPath  map[string]string
	byToken map[string]string
}

// NewPageTable returns an empty table.
func NewPageTable() *PageTable {
	return &PageTable{
		byPath:  make(map[string]string),
		byToken: make(map[string]string),
	}
}

// Assign returns the token already bound to path, or binds the first unused
// candidate among base, loop+base, loop+loop+base, ... A reserved base token
// with no known path is claimed by path, since a resumed flow wrote it for
// the path that hashes to it.
func (t *PageTable) Assign(path, base string, loop byte) string {
	if token, ok := t.byPath[path]; ok {
		return token
	}
	if owner, ok := t.byToken[base]; ok && owner == "" {
		t.Bind(path, base)
		return base
	}
	token := base
	for {
		if _, used := t.byToken[token]; !used {
			break
		}
		token = string(loop) + token
	}
	t.Bind(path, token)
	return token
}

// Bind registers a fixed path/token pair, as used for literal mappings.
func (t *PageTable) Bind(path, token string) {
	t.byPath[path] = token
	t.byToken[token] = path
}

// Reserve marks token as taken without knowing its path.
func (t *PageTable) Reserve(token string) {
	if _, ok := t.byToken[token]; !ok {
		t.byToken[token] = ""
	}
}

// Lookup resolves a token back to its path.
func (t *PageTable) Lookup(token string) (string, bool) {
	path, ok := t.byToken[token]
	if !ok || path == "" {
		return "", false
	}
	return path, true
}

// Len returns the number of tokens in use.
func (t *PageTable) Len() int {
	return len(t.byToken)
}
