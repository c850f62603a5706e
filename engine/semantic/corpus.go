package semantic

// Corpus maps index positions to record text. It is read-only once built.
type Corpus struct {
	texts []string
}

// NewCorpus wraps texts; position i is ID i.
func NewCorpus(texts []string) *Corpus {
	return &Corpus{texts: texts}
}

// Get returns the text at id. NoMatch and out-of-range IDs report false.
func (c *Corpus) Get(id int64) (string, bool) {
	if id < 0 || id >= int64(len(c.texts)) {
		return "", false
	}
	return c.texts[id], true
}

func (c *Corpus) Len() int { return len(c.texts) }
