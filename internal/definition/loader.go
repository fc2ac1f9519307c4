package definition

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed procedures/*.cue
var builtinFS embed.FS

// Registry resolves procedure names to validated Procedure values.
//
// The catalog is built lazily on first use and cached for the process
// lifetime. Built-in procedures come from the embedded CUE sources; an
// optional external directory may add more (an external procedure with the
// same name as a built-in replaces it).
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	dir      string
	built    bool
	buildErr error
	entries  map[string]entry
}

// entry is one catalog slot. A procedure that failed structural validation
// keeps its error here so every Load of that name reports the same cause.
type entry struct {
	proc *Procedure
	err  error
}

// NewRegistry creates a registry over the embedded catalog plus an optional
// external directory of .cue files. An empty dir means built-ins only.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Load resolves a procedure by name.
//
// Returns *UnknownTestError if no procedure carries the name and
// *MalformedDefinitionError if the procedure's source failed validation.
// Loading is pure: repeated calls return the identical cached pointer.
func (r *Registry) Load(name string) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.buildLocked(); err != nil {
		return nil, err
	}
	e, ok := r.entries[name]
	if !ok {
		return nil, &UnknownTestError{Name: name}
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.proc, nil
}

// Names returns the sorted names of every registered procedure, including
// ones that failed validation (they still occupy their name).
func (r *Registry) Names() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.buildLocked(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// buildLocked parses all sources once. Callers must hold r.mu.
func (r *Registry) buildLocked() error {
	if r.built {
		return r.buildErr
	}
	r.built = true

	entries := map[string]entry{}

	builtins, err := readBuiltinSources()
	if err != nil {
		r.buildErr = err
		return err
	}
	for _, src := range builtins {
		if err := parseSource(src.name, src.data, entries); err != nil {
			r.buildErr = err
			return err
		}
	}

	if r.dir != "" {
		files, err := findCUEFiles(r.dir)
		if err != nil {
			r.buildErr = fmt.Errorf("scanning procedures directory: %w", err)
			return r.buildErr
		}
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				r.buildErr = fmt.Errorf("reading %s: %w", path, err)
				return r.buildErr
			}
			if err := parseSource(path, data, entries); err != nil {
				r.buildErr = err
				return err
			}
		}
	}

	r.entries = entries
	return nil
}

type source struct {
	name string
	data []byte
}

func readBuiltinSources() ([]source, error) {
	paths, err := builtinFS.ReadDir("procedures")
	if err != nil {
		return nil, fmt.Errorf("reading embedded procedures: %w", err)
	}
	var srcs []source
	for _, d := range paths {
		if d.IsDir() || filepath.Ext(d.Name()) != ".cue" {
			continue
		}
		data, err := builtinFS.ReadFile("procedures/" + d.Name())
		if err != nil {
			return nil, fmt.Errorf("reading embedded procedure %s: %w", d.Name(), err)
		}
		srcs = append(srcs, source{name: d.Name(), data: data})
	}
	return srcs, nil
}

// findCUEFiles walks the directory and returns all .cue file paths.
func findCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// parseSource compiles one CUE source and folds its procedures into the
// catalog. Structural validation failures are recorded per procedure so a
// single bad procedure does not poison the rest of the catalog; compile
// failures poison the whole source file.
func parseSource(filename string, data []byte, entries map[string]entry) error {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compiling %s: %w", filename, err)
	}

	procs := value.LookupPath(cue.ParsePath("procedures"))
	if !procs.Exists() {
		return fmt.Errorf("%s: no procedures struct found", filename)
	}

	iter, err := procs.Fields()
	if err != nil {
		return fmt.Errorf("%s: iterating procedures: %w", filename, err)
	}
	for iter.Next() {
		name := iter.Label()
		var raw rawProcedure
		if err := iter.Value().Decode(&raw); err != nil {
			entries[name] = entry{err: &MalformedDefinitionError{
				Name:   name,
				Reason: fmt.Sprintf("decoding: %v", err),
			}}
			continue
		}
		proc, err := convertProcedure(name, raw)
		if err != nil {
			entries[name] = entry{err: err}
			continue
		}
		entries[name] = entry{proc: proc}
	}
	return nil
}

// rawProcedure mirrors the CUE document shape before validation.
type rawProcedure struct {
	Description string    `json:"description"`
	Steps       []rawStep `json:"steps"`
}

type rawStep struct {
	ID      string     `json:"id"`
	Mode    string     `json:"mode"`
	Group   string     `json:"group"`
	After   []string   `json:"after"`
	Count   *int       `json:"count"`
	Timeout string     `json:"timeout"`
	Matcher rawMatcher `json:"matcher"`
}

type rawMatcher struct {
	Kind     string     `json:"kind"`
	Method   string     `json:"method"`
	Endpoint string     `json:"endpoint"`
	Type     string     `json:"type"`
	Fields   []rawField `json:"fields"`
}

type rawField struct {
	Name     string `json:"name"`
	Equals   string `json:"equals"`
	Required bool   `json:"required"`
}

// convertProcedure turns a decoded raw procedure into the closed Step
// variants and runs structural validation. All invariants are enforced
// here, at load time, never at match time.
func convertProcedure(name string, raw rawProcedure) (*Procedure, error) {
	proc := &Procedure{
		Name:        name,
		Description: raw.Description,
		Steps:       make([]Step, 0, len(raw.Steps)),
	}

	for i, rs := range raw.Steps {
		step := Step{
			Index: i,
			ID:    rs.ID,
			Mode:  Mode(rs.Mode),
			Group: rs.Group,
			After: append([]string(nil), rs.After...),
			Count: 1,
		}
		if rs.Mode == "" {
			step.Mode = ModeSequential
		}
		if rs.Count != nil {
			step.Count = *rs.Count
		}
		if rs.Timeout != "" {
			d, err := time.ParseDuration(rs.Timeout)
			if err != nil {
				return nil, &MalformedDefinitionError{
					Name:   name,
					StepID: rs.ID,
					Reason: fmt.Sprintf("invalid timeout %q: %v", rs.Timeout, err),
				}
			}
			step.Timeout = d
		}
		step.Matcher = Matcher{
			Kind:     Kind(rs.Matcher.Kind),
			Method:   rs.Matcher.Method,
			Endpoint: rs.Matcher.Endpoint,
			Type:     rs.Matcher.Type,
		}
		for _, f := range rs.Matcher.Fields {
			step.Matcher.Fields = append(step.Matcher.Fields, FieldConstraint(f))
		}
		proc.Steps = append(proc.Steps, step)
	}

	if err := validateProcedure(proc); err != nil {
		return nil, err
	}
	return proc, nil
}
