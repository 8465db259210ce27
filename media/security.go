package media

import (
    "fmt"
    "strings"

    "github.com/google/shlex"
)

// SplitExtraArgs securely splits the operator-supplied extra ffmpeg
// argument string into a slice. It prevents shell injection by not using
// a shell.
func SplitExtraArgs(extra string) ([]string, error) {
    if strings.TrimSpace(extra) == "" {
        return nil, nil
    }
    args, err := shlex.Split(extra)
    if err != nil {
        return nil, fmt.Errorf("invalid extra args syntax: %w", err)
    }
    return args, nil
}

// ValidateExtraArgs checks the split arguments for potential security risks.
// Extra args tune the transcode; they may not redirect ffmpeg's input or
// carry shell metacharacters.
func ValidateExtraArgs(args []string) error {
    for _, arg := range args {
        if arg == "-i" {
            return fmt.Errorf("extra args may not supply an input file")
        }
        if strings.ContainsAny(arg, "|&;`$()<>") {
            return fmt.Errorf("disallowed character found in argument: %s", arg)
        }
    }
    return nil
}
