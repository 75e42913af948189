package cfg

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// FetchFunc reads a remote config file, e.g. secrets.Resolver.FetchObject.
type FetchFunc func(ctx context.Context, uri string) ([]byte, error)

// LoadFile reads a dotenv file into the process environment. Variables that
// are already set win. A local file that does not exist is not an error and
// reports loaded=false. s3:// paths go through fetch.
func LoadFile(ctx context.Context, path string, fetch FetchFunc) (loaded bool, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, nil
	}

	var raw []byte
	if strings.HasPrefix(path, "s3://") {
		if fetch == nil {
			return false, xerrors.Newf("config file %s needs an s3 fetcher", path)
		}
		raw, err = fetch(ctx, path)
		if err != nil {
			return false, xerrors.Wrapf(err, "fetch config file %s", path)
		}
	} else {
		raw, err = os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, xerrors.Wrapf(err, "read config file %s", path)
		}
	}

	vars, err := godotenv.Parse(bytes.NewReader(raw))
	if err != nil {
		return false, xerrors.Wrapf(err, "parse config file %s", path)
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return false, xerrors.Wrapf(err, "set %s from config file", k)
		}
	}
	return true, nil
}
