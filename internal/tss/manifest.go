package tss

import (
	"fmt"
	"strings"

	"github.com/marmos91/iosmux/pkg/plist"
)

// sepNonceSize is the fixed zero nonce TSS expects in the absence of a
// real SEP, per the device's personalization contract.
const sepNonceSize = 20

// SelectBuildIdentity finds the BuildIdentities entry in buildManifest
// whose ApBoardID and ApChipID (hex strings, optionally "0x"-prefixed)
// match boardID/chipID.
func SelectBuildIdentity(buildManifest *plist.Dict, boardID, chipID int64) (*plist.Dict, error) {
	identities := buildManifest.GetList("BuildIdentities")
	for _, item := range identities {
		dict, ok := item.(*plist.Dict)
		if !ok {
			continue
		}
		info := dict.GetDict("Info")
		if info == nil {
			continue
		}
		board, err := parseHexField(info.GetString("ApBoardID"))
		if err != nil {
			continue
		}
		chip, err := parseHexField(info.GetString("ApChipID"))
		if err != nil {
			continue
		}
		if board == boardID && chip == chipID {
			return dict, nil
		}
	}
	return nil, fmt.Errorf("tss: no build identity for board 0x%x chip 0x%x", boardID, chipID)
}

func parseHexField(s string) (int64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	var n int64
	_, err := fmt.Sscanf(s, "%x", &n)
	return n, err
}

// BuildRequest assembles the TSS request body for a personalized
// developer disk image mount: the fixed header fields, every `Ap,*`
// identifier reported by QueryPersonalizationIdentifiers, and one
// entry per eligible component of the chosen BuildIdentity.
//
// The source this module was modeled on overwrites rather than
// accumulates when folding the `Ap,*` identifiers into the request;
// that is treated as a bug here, not a behavior to preserve, so every
// `Ap,*` key from identifiers ends up in the request verbatim.
func BuildRequest(uuid string, identifiers *plist.Dict, nonce []byte, buildIdentity *plist.Dict) (*plist.Dict, error) {
	req := plist.NewDict().
		Set("@HostPlatformInfo", "mac").
		Set("@UUID", uuid).
		Set("@VersionInfo", "libauthinstall-1033.0.2").
		Set("@ApImg4Ticket", true).
		Set("@BBTicket", true).
		Set("ApBoardID", identifiers.GetInt("BoardId")).
		Set("ApChipID", identifiers.GetInt("ChipID")).
		Set("ApECID", identifiers.GetInt("UniqueChipID")).
		Set("ApNonce", nonce).
		Set("ApProductionMode", true).
		Set("ApSecurityDomain", int64(1)).
		Set("ApSecurityMode", true).
		Set("SepNonce", make([]byte, sepNonceSize)).
		Set("UID_MODE", false)

	for _, key := range identifiers.Keys() {
		if !strings.HasPrefix(key, "Ap,") {
			continue
		}
		v, _ := identifiers.Get(key)
		req.Set(key, v)
	}

	manifestEntries := buildIdentity.GetDict("Manifest")
	if manifestEntries == nil {
		return nil, fmt.Errorf("tss: build identity has no Manifest")
	}

	for _, component := range manifestEntries.Keys() {
		entryVal, _ := manifestEntries.Get(component)
		entry, ok := entryVal.(*plist.Dict)
		if !ok {
			continue
		}
		if !entry.GetBool("Trusted") {
			continue
		}
		if _, hasInfo := entry.Get("Info"); !hasInfo {
			continue
		}

		out := plist.NewDict()
		for _, k := range entry.Keys() {
			if k == "Info" || k == "Actions" {
				continue
			}
			v, _ := entry.Get(k)
			out.Set(k, v)
		}
		if _, hasDigest := out.Get("Digest"); !hasDigest {
			out.Set("Digest", []byte{})
		}

		applyRestoreRequestRules(out, buildIdentity)
		foldActions(out, entry)

		req.Set(component, out)
	}

	return req, nil
}

// applyRestoreRequestRules copies conditional flags from the build
// identity's top-level info into the per-component entry, following
// the same small set of condition keys the device checks when
// evaluating RestoreRequestRules.
func applyRestoreRequestRules(entry *plist.Dict, buildIdentity *plist.Dict) {
	info := buildIdentity.GetDict("Info")
	if info == nil {
		return
	}
	conditionKeys := []string{
		"ApRawProductionMode",
		"ApCurrentProductionMode",
		"ApRawSecurityMode",
		"ApRequiresImage4",
		"ApDemotionPolicyOverride",
		"ApInRomDFU",
	}
	for _, k := range conditionKeys {
		if v, ok := info.Get(k); ok {
			entry.Set(k, v)
		}
	}
}

// foldActions merges source's Actions list into out, skipping any
// action whose value is the sentinel 255 (meaning: leave unset).
func foldActions(out *plist.Dict, source *plist.Dict) {
	actionsVal, ok := source.Get("Actions")
	if !ok {
		return
	}
	actions, ok := actionsVal.(*plist.Dict)
	if !ok {
		return
	}
	for _, k := range actions.Keys() {
		v, _ := actions.Get(k)
		if n, ok := v.(int64); ok && n == 255 {
			continue
		}
		out.Set(k, v)
	}
}
