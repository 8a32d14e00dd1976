package models

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Text fields shorter than this are not worth patching; senders fall
// back to plain value replacement.
const textDiffMinLen = 32

// makeTextPatch produces a portable patch transforming oldText into
// newText. The patch travels alongside the full new value so receivers
// that cannot apply it cleanly still converge by replacement.
func makeTextPatch(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(oldText, newText)
	if len(patches) == 0 {
		return ""
	}
	return dmp.PatchToText(patches)
}

// applyTextPatch applies a patch produced by makeTextPatch onto base,
// which may have drifted from the text the patch was made against.
// The boolean reports whether every hunk applied; callers fall back to
// last-write-wins replacement when it is false.
func applyTextPatch(base, patchText string) (string, bool) {
	if patchText == "" {
		return base, false
	}
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil || len(patches) == 0 {
		return base, false
	}
	merged, applied := dmp.PatchApply(patches, base)
	for _, ok := range applied {
		if !ok {
			return base, false
		}
	}
	return merged, true
}

// mergeTextField decides the value a text field takes when an update
// arrives whose sender may not have seen the receiver's current value.
// If the receiver still holds the sender's pre-image the update is a
// plain fast-forward. Otherwise the sender's edit is replayed as a
// patch on top of the receiver's text, so two editors touching
// different parts of a long description both keep their work. When the
// patch does not apply cleanly the update wins outright.
func mergeTextField(current, patchText, updated string) string {
	if patchText != "" && current != updated {
		if merged, ok := applyTextPatch(current, patchText); ok {
			return merged
		}
	}
	return updated
}
