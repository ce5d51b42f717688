// Package filters implements the request filtering fabric (spec.md §4.5):
// every gate is either a static config boolean or a same-named Lua
// predicate, with the script taking precedence whenever it is defined.
package filters

import (
	"github.com/pacsd/pacsd/cmn"
	"github.com/pacsd/pacsd/dicomtypes"
	"github.com/pacsd/pacsd/script"
)

// Engine carries the config and optional script engine the gates read
// from. A nil Scripts is legal (no LuaScripts configured): every gate
// then falls back straight to its config boolean.
type Engine struct {
	Config  *cmn.Config
	Scripts *script.Engine
}

// gate evaluates one named predicate: if a same-named Lua function
// exists, its result wins; otherwise fall back to staticDefault.
func (e *Engine) gate(name string, staticDefault bool, args ...string) bool {
	if e.Scripts != nil && e.Scripts.HasFunction(name) {
		ok, err := e.Scripts.CallPredicate(name, args...)
		if err == nil {
			return ok
		}
	}
	return staticDefault
}

// HTTPFilter is the REST-facing half of the fabric (spec.md §4.5).
type HTTPFilter struct {
	*Engine
}

// IsAllowedHTTPRequest gates an incoming REST call through the
// IncomingHttpRequestFilter script predicate, defaulting to allow when no
// such predicate is registered (the static config carries no equivalent
// blanket HTTP switch; RemoteAccessAllowed/AuthenticationEnabled are
// separate, narrower gates handled by httpapi itself).
func (f *HTTPFilter) IsAllowedHTTPRequest(method, uri, remoteIP, username string) bool {
	return f.gate("IncomingHttpRequestFilter", true, method, uri, remoteIP, username)
}

// DicomFilter is the DIMSE-facing half of the fabric (spec.md §4.5).
type DicomFilter struct {
	*Engine
}

// IsAllowedConnection gates a DICOM association request on calling AET,
// called AET and remote IP. A non-local remoteIP with RemoteAccessAllowed
// off is refused unless an IsAllowedConnection script predicate allows it;
// otherwise the predicate decides, defaulting to allow. The AETs are only
// passed to the predicate; StrictAetComparison and DicomCheckCalledAet are
// not consulted.
func (f *DicomFilter) IsAllowedConnection(callingAet, calledAet, remoteIP string) bool {
	if !f.Config.RemoteAccessAllowed && remoteIP != "" && remoteIP != "127.0.0.1" {
		if !f.gate("IsAllowedConnection", false, callingAet, calledAet, remoteIP) {
			return false
		}
	}
	return f.gate("IsAllowedConnection", true, callingAet, calledAet, remoteIP)
}

// IsAllowedRequest gates a specific DIMSE operation (e.g. "Store",
// "Find", "Move") from callingAet against calledAet.
func (f *DicomFilter) IsAllowedRequest(callingAet, calledAet, operation string) bool {
	return f.gate("IsAllowedRequest", true, callingAet, calledAet, operation)
}

// IsAllowedTransferSyntax gates a transfer syntax family: the static
// config carries one *TransferSyntaxAccepted boolean per family (spec.md
// §6), and a same-named script predicate (keyed on the family name, e.g.
// "Jpeg2000TransferSyntaxAccepted") overrides it when present.
func (f *DicomFilter) IsAllowedTransferSyntax(uid string) bool {
	family := dicomtypes.FamilyOf(uid)
	if family == dicomtypes.FamilyUncompressed {
		return true
	}
	staticName := string(family) + "TransferSyntaxAccepted"
	def := f.staticTransferSyntaxDefault(family)
	return f.gate(staticName, def, uid)
}

func (f *DicomFilter) staticTransferSyntaxDefault(family dicomtypes.Family) bool {
	switch family {
	case dicomtypes.FamilyDeflated:
		return f.Config.DeflatedTransferSyntaxAccepted
	case dicomtypes.FamilyJpeg:
		return f.Config.JpegTransferSyntaxAccepted
	case dicomtypes.FamilyJpeg2000:
		return f.Config.Jpeg2000TransferSyntaxAccepted
	case dicomtypes.FamilyJpegLossless:
		return f.Config.JpegLosslessTransferSyntaxAccepted
	case dicomtypes.FamilyJpip:
		return f.Config.JpipTransferSyntaxAccepted
	case dicomtypes.FamilyMpeg2:
		return f.Config.Mpeg2TransferSyntaxAccepted
	case dicomtypes.FamilyRle:
		return f.Config.RleTransferSyntaxAccepted
	default:
		return true
	}
}

// IsUnknownSopClassAccepted gates acceptance of an unrecognized SOP
// class UID, spec.md §6 UnknownSopClassAccepted.
func (f *DicomFilter) IsUnknownSopClassAccepted(sopClassUID string) bool {
	return f.gate("IsUnknownSopClassAccepted", f.Config.UnknownSopClassAccepted, sopClassUID)
}
