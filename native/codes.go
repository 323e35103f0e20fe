package native

// Return codes of the driver ABI. Zero is success; everything else is
// negative. The set matches the vendor library's error table.
const (
	CodeOK          = 0
	CodeUnexpected  = -1  // unexpected failure
	CodeRange       = -2  // provided parameter is out of range
	CodeInval       = -3  // invalid operation or parameter
	CodeMem         = -4  // memory allocation failure
	CodeIO          = -5  // file or device I/O failure
	CodeTimeout     = -6  // operation timed out
	CodeNoDev       = -7  // no device(s) available
	CodeUnsupported = -8  // operation not supported
	CodeMisaligned  = -9  // misaligned flash access
	CodeChecksum    = -10 // invalid checksum
	CodeNoFile      = -11 // file not found
	CodeUpdateFPGA  = -12 // FPGA update required
	CodeUpdateFW    = -13 // firmware update required
	CodeTimePast    = -14 // requested timestamp is in the past
	CodeQueueFull   = -15 // could not enqueue data
	CodeFPGAOp      = -16 // FPGA operation reported failure
	CodePermission  = -17 // insufficient permissions
	CodeWouldBlock  = -18 // operation would block
	CodeNotInit     = -19 // device insufficiently initialized
)

var codeNames = map[int]string{
	CodeOK:          "ok",
	CodeUnexpected:  "unexpected",
	CodeRange:       "range",
	CodeInval:       "invalid",
	CodeMem:         "memory",
	CodeIO:          "io",
	CodeTimeout:     "timeout",
	CodeNoDev:       "no device",
	CodeUnsupported: "unsupported",
	CodeMisaligned:  "misaligned",
	CodeChecksum:    "checksum",
	CodeNoFile:      "no file",
	CodeUpdateFPGA:  "fpga update required",
	CodeUpdateFW:    "firmware update required",
	CodeTimePast:    "time in past",
	CodeQueueFull:   "queue full",
	CodeFPGAOp:      "fpga operation failed",
	CodePermission:  "permission denied",
	CodeNotInit:     "not initialized",
	CodeWouldBlock:  "would block",
}

// CodeName returns a short human-readable name for a driver code, or
// "unknown" for codes outside the documented table.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "unknown"
}
