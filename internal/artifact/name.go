package artifact

import (
	"fmt"
	"regexp"
	"strings"
)

var versionPattern = regexp.MustCompile(`_(\d+\.\d+(?:\.\d+)?)_`)

// DisplayName renders a restore image label such as
// "macOS 14.0 (Build 23A344) - Latest". The version is taken from the file
// name of sourceURL when it follows the UniversalMac_<version>_<build>_ form.
func DisplayName(sourceURL, buildVersion string, latest bool) string {
	suffix := ""
	if latest {
		suffix = " - Latest"
	}
	name, err := FileName(sourceURL)
	if err == nil {
		if m := versionPattern.FindStringSubmatch(name); m != nil {
			return fmt.Sprintf("macOS %s (Build %s)%s", strings.Trim(m[1], "_"), buildVersion, suffix)
		}
	}
	return fmt.Sprintf("macOS Build %s%s", buildVersion, suffix)
}
