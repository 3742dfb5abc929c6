package buildsys

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// cacheEntry is the on-disk representation of a parsed task script.
type cacheEntry struct {
	Key     string
	Options map[string]ScriptOption
	Tasks   TaskList
}

// CacheKey identifies the result of running script with the given option values.
func CacheKey(script []byte, options map[string]string) string {
	hash := sha256.New()
	hash.Write(script)

	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		hash.Write([]byte{0})
		hash.Write([]byte(name + "=" + options[name]))
	}

	return hex.EncodeToString(hash.Sum(nil))
}

// WriteCache stores the parsed task list as a brotli compressed gob stream.
func WriteCache(file, key string, options map[string]ScriptOption, list TaskList) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o770); err != nil {
		return eris.Wrapf(err, "failed to create cache directory for %s", file)
	}

	handle, err := os.Create(file)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", file)
	}
	defer handle.Close()

	writer := brotli.NewWriterLevel(handle, brotli.DefaultCompression)
	err = gob.NewEncoder(writer).Encode(cacheEntry{Key: key, Options: options, Tasks: list})
	if err != nil {
		writer.Close()
		return eris.Wrap(err, "failed to encode task cache")
	}

	if err = writer.Close(); err != nil {
		return eris.Wrap(err, "failed to compress task cache")
	}

	return handle.Close()
}

// ReadCache loads a task list written by WriteCache. found is false if the file is missing
// or was written for a different key.
func ReadCache(file, key string) (list TaskList, options map[string]ScriptOption, found bool, err error) {
	handle, err := os.Open(file)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil, nil, false, nil
		}
		return nil, nil, false, eris.Wrapf(err, "failed to open %s", file)
	}
	defer handle.Close()

	var entry cacheEntry
	err = gob.NewDecoder(brotli.NewReader(handle)).Decode(&entry)
	if err != nil {
		return nil, nil, false, eris.Wrapf(err, "failed to decode %s", file)
	}

	if entry.Key != key {
		return nil, nil, false, nil
	}

	return entry.Tasks, entry.Options, true, nil
}
