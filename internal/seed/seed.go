// Package seed populates registered tables from JSON seed files. Files are
// validated against an embedded CUE schema and the seed directory can be
// watched so that edits re-populate the tables without a restart.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/fsnotify/fsnotify"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/proteus/internal/index"
	"github.com/geekxflood/proteus/internal/registry"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
	"go.uber.org/multierr"
)

//go:embed schema.cue
var seedSchema []byte

// SeedConfig holds configuration for table seeding
type SeedConfig struct {
	Directory   string        `json:"directory"`
	Watch       bool          `json:"watch"`
	ReloadDelay time.Duration `json:"reload_delay"`
	Extension   string        `json:"extension"`
}

// DefaultSeedConfig returns a default seed configuration
func DefaultSeedConfig() *SeedConfig {
	return &SeedConfig{
		Directory:   "",
		Watch:       true,
		ReloadDelay: 500 * time.Millisecond,
		Extension:   ".json",
	}
}

// File is a decoded seed file.
type File struct {
	Path  string    `json:"-"`
	Table string    `json:"table"`
	Rows  []RowSpec `json:"rows"`
}

// RowSpec is one row of a seed file. Numbers decode as json.Number.
type RowSpec struct {
	Index  []any          `json:"index"`
	Values map[string]any `json:"values"`
}

// Result reports what applying a seed file changed.
type Result struct {
	Table    string `json:"table"`
	Inserted int    `json:"inserted"`
	Updated  int    `json:"updated"`
}

// Seeder loads seed files into the tables of a registry.
type Seeder struct {
	config   *SeedConfig
	registry *registry.Registry
	logger   logging.Logger
	schema   cue.Value
	cueMu    sync.Mutex

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	loads   int64
	reloads int64
	failed  int64
	rows    int64
}

// NewSeeder creates a seeder for the tables of reg.
func NewSeeder(cfg config.Provider, reg *registry.Registry, logger logging.Logger) (*Seeder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	sc := DefaultSeedConfig()
	if dir, err := cfg.GetString("seed.directory", sc.Directory); err == nil {
		sc.Directory = dir
	}
	if watch, err := cfg.GetBool("seed.watch", sc.Watch); err == nil {
		sc.Watch = watch
	}
	if delay, err := cfg.GetDuration("seed.reload_delay", sc.ReloadDelay); err == nil {
		sc.ReloadDelay = delay
	}
	if ext, err := cfg.GetString("seed.extension", sc.Extension); err == nil {
		sc.Extension = ext
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	return &Seeder{
		config:   sc,
		registry: reg,
		logger:   logger.With("component", "seed"),
		schema:   schema,
	}, nil
}

func compileSchema() (cue.Value, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(seedSchema, cue.Filename("schema.cue"))
	if err := value.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile seed schema: %w", err)
	}

	def := value.LookupPath(cue.ParsePath("#Seed"))
	if !def.Exists() {
		return cue.Value{}, fmt.Errorf("seed schema has no #Seed definition")
	}
	return def, nil
}

// Parse validates data against the seed schema and decodes it.
func (s *Seeder) Parse(name string, data []byte) (*File, error) {
	// a cue.Context is not safe for concurrent use
	s.cueMu.Lock()
	defer s.cueMu.Unlock()

	value := s.schema.Context().CompileBytes(data, cue.Filename(name))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	unified := s.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s does not match the seed schema: %w", name, err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	file := &File{Path: name}
	if err := dec.Decode(file); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return file, nil
}

// LoadFile reads and parses one seed file.
func (s *Seeder) LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return s.Parse(path, data)
}

// Apply inserts the rows of file into its table, or updates the columns of
// rows that already exist. Every row is converted before any is stored, so a
// file with a bad row changes nothing.
func (s *Seeder) Apply(file *File) (*Result, error) {
	reg, ok := s.registry.Lookup(file.Table)
	if !ok {
		return nil, fmt.Errorf("%s: table %s: %w", file.Path, file.Table, types.ErrNotFound)
	}
	schema := reg.Schema

	type pending struct {
		idx    []any
		key    index.Key
		values map[uint32]types.Value
	}
	rows := make([]pending, 0, len(file.Rows))
	for i, spec := range file.Rows {
		idx, err := convertIndex(schema, spec.Index)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", file.Path, i+1, err)
		}
		key, err := index.Encode(schema.Index, idx)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", file.Path, i+1, err)
		}
		values, err := convertValues(schema, spec.Values)
		if err != nil {
			return nil, fmt.Errorf("%s: row %d: %w", file.Path, i+1, err)
		}
		rows = append(rows, pending{idx: idx, key: key, values: values})
	}

	result := &Result{Table: file.Table}
	for _, p := range rows {
		if row, exists := reg.Store.Get(p.key); exists {
			row.Apply(p.values)
			result.Updated++
			continue
		}

		row, err := table.NewRow(schema, p.idx, p.values)
		if err != nil {
			return result, fmt.Errorf("%s: %w", file.Path, err)
		}
		if err := reg.Store.Insert(row); err != nil {
			return result, fmt.Errorf("%s: %w", file.Path, err)
		}
		result.Inserted++
	}

	s.mu.Lock()
	s.rows += int64(result.Inserted + result.Updated)
	s.mu.Unlock()

	s.logger.Info("Applied seed file",
		"file", file.Path,
		"table", file.Table,
		"inserted", result.Inserted,
		"updated", result.Updated)

	return result, nil
}

// Files lists the seed files of the configured directory in name order.
func (s *Seeder) Files() ([]string, error) {
	if s.config.Directory == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(s.config.Directory)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !s.isSeedFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(s.config.Directory, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (s *Seeder) isSeedFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "_") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), s.config.Extension)
}

// LoadAll applies every seed file of the directory. A failing file does not
// stop the others; all failures are returned together.
func (s *Seeder) LoadAll() ([]*Result, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	var results []*Result
	var errs error
	for _, path := range files {
		file, err := s.LoadFile(path)
		if err == nil {
			var res *Result
			res, err = s.Apply(file)
			if res != nil {
				results = append(results, res)
			}
		}
		if err != nil {
			s.logger.Error("Failed to apply seed file", "file", path, "error", err.Error())
			errs = multierr.Append(errs, err)
		}
	}

	s.mu.Lock()
	s.loads++
	if errs != nil {
		s.failed++
	}
	s.mu.Unlock()

	return results, errs
}

// Start watches the seed directory and re-applies changed files. It is a
// no-op when watching is disabled or no directory is configured.
func (s *Seeder) Start() error {
	if !s.config.Watch || s.config.Directory == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(s.config.Directory); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.watcher = watcher
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.watchFiles(ctx, watcher)

	s.logger.Info("Watching seed directory", "directory", s.config.Directory)
	return nil
}

// Stop stops watching the seed directory.
func (s *Seeder) Stop() error {
	s.mu.Lock()
	watcher, cancel := s.watcher, s.cancel
	s.watcher, s.cancel = nil, nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}

	cancel()
	err := watcher.Close()
	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

func (s *Seeder) watchFiles(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.wg.Done()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}

	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !s.isSeedFile(event.Name) {
				continue
			}

			s.logger.Debug("Seed file changed", "file", event.Name, "operation", event.Op.String())
			pending[event.Name] = struct{}{}
			debounceTimer.Reset(s.config.ReloadDelay)

		case <-debounceTimer.C:
			s.reload(pending)
			pending = make(map[string]struct{})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("File watcher error", "error", err.Error())
		}
	}
}

func (s *Seeder) reload(files map[string]struct{}) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		file, err := s.LoadFile(path)
		if err == nil {
			_, err = s.Apply(file)
		}

		s.mu.Lock()
		s.reloads++
		if err != nil {
			s.failed++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("Failed to reload seed file", "file", path, "error", err.Error())
		}
	}
}

// GetStats returns seeding statistics
func (s *Seeder) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]interface{}{
		"directory":    s.config.Directory,
		"watching":     s.watcher != nil,
		"loads":        s.loads,
		"reloads":      s.reloads,
		"failures":     s.failed,
		"rows_applied": s.rows,
	}
}

func convertIndex(schema *table.Schema, raw []any) ([]any, error) {
	if len(raw) != len(schema.Index) {
		return nil, fmt.Errorf("table %s has %d index fields, got %d: %w",
			schema.Name, len(schema.Index), len(raw), types.ErrMalformedIndex)
	}

	idx := make([]any, len(raw))
	for i, f := range schema.Index {
		switch v := raw[i].(type) {
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, fmt.Errorf("index field %q: %w", f.Name, types.ErrWrongType)
			}
			idx[i] = n
		case string:
			if f.Kind == index.KindOctetString || f.Kind == index.KindFixedString {
				b, err := decodeBytes(v)
				if err != nil {
					return nil, fmt.Errorf("index field %q: %w", f.Name, err)
				}
				idx[i] = b
				continue
			}
			idx[i] = v
		default:
			return nil, fmt.Errorf("index field %q: unsupported value %v: %w", f.Name, v, types.ErrWrongType)
		}
	}
	return idx, nil
}

func convertValues(schema *table.Schema, raw map[string]any) (map[uint32]types.Value, error) {
	values := make(map[uint32]types.Value, len(raw))
	for name, v := range raw {
		c := columnByName(schema, name)
		if c == nil {
			return nil, fmt.Errorf("table %s has no column %q: %w", schema.Name, name, types.ErrNotFound)
		}
		val, err := convertValue(c, c.ID == schema.StatusColumn, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		values[c.ID] = val
	}
	return values, nil
}

func columnByName(schema *table.Schema, name string) *table.Column {
	for i := range schema.Columns {
		if schema.Columns[i].Name == name {
			return &schema.Columns[i]
		}
	}
	return nil
}

func convertValue(c *table.Column, status bool, raw any) (types.Value, error) {
	switch c.Type {
	case types.TypeInteger:
		if s, ok := raw.(string); ok && status {
			rs, err := parseRowStatus(s)
			if err != nil {
				return types.Value{}, err
			}
			return types.Integer(int64(rs)), nil
		}
		n, err := number(raw)
		if err != nil {
			return types.Value{}, err
		}
		return types.Integer(n), nil

	case types.TypeCounter32, types.TypeGauge32, types.TypeTimeTicks:
		n, err := number(raw)
		if err != nil {
			return types.Value{}, err
		}
		if n < 0 || n > int64(^uint32(0)) {
			return types.Value{}, fmt.Errorf("%d out of range: %w", n, types.ErrWrongValue)
		}
		return types.Value{Type: c.Type, Value: uint32(n)}, nil

	case types.TypeCounter64:
		num, ok := raw.(json.Number)
		if !ok {
			return types.Value{}, fmt.Errorf("expected a number: %w", types.ErrWrongType)
		}
		u, err := strconv.ParseUint(num.String(), 10, 64)
		if err != nil {
			return types.Value{}, fmt.Errorf("invalid Counter64 %s: %w", num, types.ErrWrongValue)
		}
		return types.Counter64(u), nil

	case types.TypeOctetString, types.TypeOpaque:
		s, ok := raw.(string)
		if !ok {
			return types.Value{}, fmt.Errorf("expected a string: %w", types.ErrWrongType)
		}
		b, err := decodeBytes(s)
		if err != nil {
			return types.Value{}, err
		}
		return types.Value{Type: c.Type, Value: b}, nil

	case types.TypeObjectIdentifier:
		s, ok := raw.(string)
		if !ok {
			return types.Value{}, fmt.Errorf("expected an OID string: %w", types.ErrWrongType)
		}
		oid, err := types.ParseOID(s)
		if err != nil {
			return types.Value{}, fmt.Errorf("%v: %w", err, types.ErrWrongValue)
		}
		return types.ObjectIdentifier(oid), nil

	case types.TypeIPAddress:
		s, ok := raw.(string)
		if !ok {
			return types.Value{}, fmt.Errorf("expected an address string: %w", types.ErrWrongType)
		}
		ip := net.ParseIP(s).To4()
		if ip == nil {
			return types.Value{}, fmt.Errorf("invalid IpAddress %q: %w", s, types.ErrWrongValue)
		}
		return types.IPAddress(ip), nil
	}

	return types.Value{}, fmt.Errorf("unsupported column type %s: %w", types.TypeName(c.Type), types.ErrWrongType)
}

func number(raw any) (int64, error) {
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected a number: %w", types.ErrWrongType)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid integer %s: %w", num, types.ErrWrongValue)
	}
	return n, nil
}

// decodeBytes returns s as bytes. A "hex:" prefix marks hex-encoded content.
func decodeBytes(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "hex:"); ok {
		b, err := hex.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid hex string: %w", types.ErrWrongValue)
		}
		return b, nil
	}
	return []byte(s), nil
}

func parseRowStatus(s string) (types.RowStatus, error) {
	for rs := types.RowStatusActive; rs <= types.RowStatusDestroy; rs++ {
		if rs.String() == s {
			if !rs.Stored() {
				return 0, fmt.Errorf("row status %s is not a state: %w", s, types.ErrWrongValue)
			}
			return rs, nil
		}
	}
	return 0, fmt.Errorf("unknown row status %q: %w", s, types.ErrWrongValue)
}
