package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
)

// fs is replaced with afero.NewMemMapFs() in the tests.
var fs = afero.NewOsFs()

// parseConfigErrTemplate is shown when a configuration file isn't valid YAML,
// or doesn't match the expected schema. The parser doesn't report where the
// problem is, so its message is shown as is.
const parseConfigErrTemplate = "The configuration file %q could not be parsed.\n" +
	"Check that every key is spelled correctly, and that values have the " +
	"right types (ports and sizes are numbers, peers is a list).\n\n" +
	"The parser reported:\n" +
	"%s"

// versioned is implemented by every configuration file format.
type versioned interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q has version %q, but this "+
		"version of peersync only understands %q.", err.path, err.actual, err.exp)
}

// parseConfig unmarshals the YAML file at `path` into `dst`. Fields already
// set in `dst` are kept unless the file overrides them. Unknown keys are
// rejected, but only once the version is known to match, so that a file
// written for another version gets the more helpful error.
func parseConfig(path string, dst versioned, expVersion string) error {
	contents, err := afero.ReadFile(fs, path)
	switch {
	case os.IsNotExist(err):
		return errors.FileNotFound{Path: path}
	case err != nil:
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(contents, dst); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if actual := dst.getVersion(); actual != expVersion {
		return incompatibleVersionError{path: path, exp: expVersion, actual: actual}
	}

	if err := yaml.UnmarshalStrict(contents, dst, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}
