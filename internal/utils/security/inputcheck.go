package security

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Limits bounds user-supplied strings (arguments and flag values).
type Limits struct {
	MaxString int
	AllowNL   bool
	AllowTab  bool
}

func DefaultLimits() Limits {
	return Limits{
		MaxString: 4096,
		AllowNL:   false,
		AllowTab:  false,
	}
}

// ValidateString rejects invalid UTF-8, NUL bytes, control runes and
// overlong values. The empty string is always valid.
func ValidateString(name, s string, lim Limits) error {
	if s == "" {
		return nil
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: invalid UTF-8", name)
	}
	if strings.ContainsRune(s, '\x00') {
		return fmt.Errorf("%s: contains NUL byte", name)
	}
	if n := utf8.RuneCountInString(s); n > lim.MaxString {
		return fmt.Errorf("%s: too long (%d > %d)", name, n, lim.MaxString)
	}
	for _, r := range s {
		if (r == '\n' && lim.AllowNL) || (r == '\t' && lim.AllowTab) {
			continue
		}
		if !unicode.IsPrint(r) {
			return fmt.Errorf("%s: contains non-printable/control runes", name)
		}
	}
	return nil
}

// AttachRecursive installs argument and flag validation on cmd and every
// subcommand, chaining any PersistentPreRunE already present.
func AttachRecursive(cmd *cobra.Command, lim Limits) {
	prev := cmd.PersistentPreRunE
	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		if err := validateFlagsAndArgs(c, args, lim); err != nil {
			return err
		}
		if prev != nil {
			return prev(c, args)
		}
		return nil
	}
	for _, sub := range cmd.Commands() {
		AttachRecursive(sub, lim)
	}
}

func validateFlagsAndArgs(cmd *cobra.Command, args []string, lim Limits) error {
	for i, a := range args {
		if err := ValidateString(fmt.Sprintf("arg[%d]", i), a, lim); err != nil {
			return err
		}
	}

	var firstErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if firstErr != nil {
			return
		}
		name := fmt.Sprintf("flag --%s", f.Name)
		switch f.Value.Type() {
		case "string":
			firstErr = ValidateString(name, f.Value.String(), lim)
		case "stringSlice", "stringArray":
			sv, ok := f.Value.(pflag.SliceValue)
			if !ok {
				return
			}
			for i, v := range sv.GetSlice() {
				if firstErr = ValidateString(fmt.Sprintf("%s[%d]", name, i), v, lim); firstErr != nil {
					return
				}
			}
		}
	})
	return firstErr
}
