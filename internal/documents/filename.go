package documents

import (
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const maxFilenameRunes = 200

var unsafeFilenameChars = strings.NewReplacer(
	"/", "_", `\`, "_", "<", "_", ">", "_", ":", "_", `"`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeFilename makes an uploaded name safe to embed in a storage path.
func SanitizeFilename(name string) string {
	name = strings.ToValidUTF8(name, "_")
	name = unsafeFilenameChars.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	name = strings.Trim(name, " .")

	if utf8.RuneCountInString(name) > maxFilenameRunes {
		ext := filepath.Ext(name)
		if utf8.RuneCountInString(ext) >= maxFilenameRunes {
			ext = ""
		}
		base := []rune(strings.TrimSuffix(name, ext))
		name = string(base[:maxFilenameRunes-utf8.RuneCountInString(ext)]) + ext
	}
	if name == "" {
		return "untitled"
	}
	return name
}
