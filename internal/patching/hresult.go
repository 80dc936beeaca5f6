package patching

import (
	"errors"
	"fmt"

	"github.com/breeze-rmm/autoupdate/internal/privilege"
)

type hresultClass uint8

const (
	hrOther hresultClass = iota
	hrBusy
	hrNetwork
	hrDenied
)

type hresult struct {
	name  string
	text  string
	class hresultClass
}

// Windows Update Agent and WinINet codes seen in practice.
var hresults = map[uint32]hresult{
	0x8024000B: {"WU_E_CALL_CANCELLED", "operation was cancelled", hrOther},
	0x8024000E: {"WU_E_OPERATIONINPROGRESS", "another conflicting operation was in progress", hrBusy},
	0x80240016: {"WU_E_INSTALL_NOT_ALLOWED", "another install is running or a reboot is pending", hrBusy},
	0x80240004: {"WU_E_NOT_INITIALIZED", "Windows Update Agent is not initialized", hrOther},
	0x80240017: {"WU_E_NOT_APPLICABLE", "operation is not applicable to the current state", hrOther},
	0x80240024: {"WU_E_NO_SERVICE", "Windows Update service could not be contacted", hrNetwork},
	0x8024002E: {"WU_E_WU_DISABLED", "non-managed server access is not allowed", hrOther},
	0x80240044: {"WU_E_PER_MACHINE_UPDATE_ACCESS_DENIED", "per-machine updates need administrator rights", hrDenied},
	0x80242014: {"WU_E_UH_POSTREBOOTSTILLPENDING", "post-reboot work for the update is still running", hrBusy},
	0x80246008: {"WU_E_DM_FAILTOCONNECTTOBITS", "download manager could not connect to BITS", hrNetwork},
	0x80070005: {"E_ACCESSDENIED", "access denied, run as SYSTEM or administrator", hrDenied},
	0x8007000E: {"E_OUTOFMEMORY", "not enough memory to complete the operation", hrOther},
	0x80072EE2: {"WININET_E_TIMEOUT", "the operation timed out", hrNetwork},
	0x80072EFD: {"WININET_E_CONNECTION_RESET", "connection to the server was reset", hrNetwork},
	0x80072EFE: {"WININET_E_CANNOT_CONNECT", "could not connect to the update server", hrNetwork},
	0x80072F8F: {"WININET_E_DECODING_FAILED", "TLS certificate validation failed", hrNetwork},
}

func classify(hr int) hresultClass {
	return hresults[uint32(hr)].class
}

// HResultError is a failed Windows Update Agent call.
type HResultError struct {
	Op      string
	HResult int
}

func (e *HResultError) Error() string {
	return e.Op + ": " + FormatHResult(e.HResult)
}

// Is reports conflicting-operation codes as ErrDatabaseLocked, so a busy
// agent is handled like any other locked package manager, and access-denied
// codes as privilege.ErrNotElevated.
func (e *HResultError) Is(target error) bool {
	switch target {
	case ErrDatabaseLocked:
		return classify(e.HResult) == hrBusy
	case privilege.ErrNotElevated:
		return classify(e.HResult) == hrDenied
	}
	return false
}

// FormatHResult renders hr as "0x8024000E: WU_E_OPERATIONINPROGRESS: ..." or,
// for codes not in the table, "0x........: unknown HRESULT".
func FormatHResult(hr int) string {
	if info, ok := hresults[uint32(hr)]; ok {
		return fmt.Sprintf("0x%08X: %s: %s", uint32(hr), info.name, info.text)
	}
	return fmt.Sprintf("0x%08X: unknown HRESULT", uint32(hr))
}

func isNetworkFailure(err error) bool {
	var hr *HResultError
	return errors.As(err, &hr) && classify(hr.HResult) == hrNetwork
}
