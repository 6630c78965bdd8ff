package feedback

import (
	"fmt"

	"github.com/tjfontaine/sitepipe/internal/core/domain"
)

// Decide scans every phase; any failing phase fails the build. A failing
// overall status also fails it, which covers builds that stopped before
// reporting the phase that broke.
func Decide(ev *domain.BuildCompletionEvent) domain.Verdict {
	for _, p := range ev.Phases {
		if p.Status.Failed() {
			return domain.VerdictFailed
		}
	}
	if ev.BuildStatus.Failed() {
		return domain.VerdictFailed
	}
	return domain.VerdictSucceeded
}

// BadgePrefix is the storage host prefix for region: s3 in us-east-1,
// s3-<region> elsewhere.
func BadgePrefix(region string) string {
	if region == "us-east-1" {
		return "s3"
	}
	return "s3-" + region
}

// BadgeURL returns the public badge image for a verdict.
func BadgeURL(region string, v domain.Verdict) string {
	image := "passing"
	if v == domain.VerdictFailed {
		image = "failing"
	}
	return fmt.Sprintf("https://%s.amazonaws.com/codefactory-%s-prod-default-build-badges/%s.svg",
		BadgePrefix(region), region, image)
}

// Render composes the comment body.
func Render(region string, v domain.Verdict, logLink string) string {
	return fmt.Sprintf("![Result](%s) - See the [Logs](%s)", BadgeURL(region, v), logLink)
}
