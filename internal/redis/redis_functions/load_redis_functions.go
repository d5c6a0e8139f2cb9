package redis_functions

import (
	"bufio"
	"bytes"
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed *.lua
var libraries embed.FS

// Loader is the part of the Redis client that installs function libraries.
type Loader interface {
	FunctionLoadReplace(ctx context.Context, code string) *redis.StringCmd
}

// LoadAll installs every embedded library, replacing older versions, and
// returns the library names in file order.
func LoadAll(ctx context.Context, rdb Loader) ([]string, error) {
	files, err := libraries.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("read embedded libraries: %w", err)
	}

	var names []string
	for _, f := range files {
		if f.IsDir() || path.Ext(f.Name()) != ".lua" {
			continue
		}
		code, err := libraries.ReadFile(f.Name())
		if err != nil {
			return nil, err
		}
		name, err := libraryName(code)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name(), err)
		}
		if err := rdb.FunctionLoadReplace(ctx, string(code)).Err(); err != nil {
			return nil, fmt.Errorf("load library %s: %w", name, err)
		}
		zap.L().Info("redis_functions.loaded", zap.String("library", name), zap.String("file", f.Name()))
		names = append(names, name)
	}
	return names, nil
}

// libraryName reads the name from the "#!lua name=<lib>" shebang.
func libraryName(code []byte) (string, error) {
	line, _, _ := bufio.NewReader(bytes.NewReader(code)).ReadLine()
	header, ok := strings.CutPrefix(strings.TrimSpace(string(line)), "#!lua")
	if !ok {
		return "", fmt.Errorf("missing #!lua shebang")
	}
	for _, field := range strings.Fields(header) {
		if name, ok := strings.CutPrefix(field, "name="); ok && name != "" {
			return name, nil
		}
	}
	return "", fmt.Errorf("shebang has no library name")
}
