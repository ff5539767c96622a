package dynamodb

// PK/SK prefix constants.
const (
	prefixProject  = "PROJECT#"
	prefixBlob     = "BLOB#"
	prefixRevision = "REV#"
	prefixWC       = "WC#"
	prefixLiveWC   = "LIVEWC#"
	prefixRun      = "RUN#"
	prefixStep     = "STEP#"
	prefixFile     = "FILE#"
	prefixFinding  = "FINDING#"
	prefixInstance = "INSTANCE#"
	prefixTrans    = "TRANS#"
	prefixPDF      = "PDF#"
	prefixJobEvent = "JOBEVENT#"

	skProject       = "PROJECT"
	skBlob          = "BLOB"
	skRevision      = "REVISION"
	skWC            = "WORKINGCOPY"
	skLiveWC        = "LIVE"
	skRun           = "RUN"
	skStep          = "STEP"
	skActiveRun     = "ACTIVERUN"
	skLastCompleted = "LASTCOMPLETED"
)

func projectPK(id string) string     { return prefixProject + id }
func blobPK(sha256 string) string    { return prefixBlob + sha256 }
func revisionPK(id string) string    { return prefixRevision + id }
func wcPK(id string) string          { return prefixWC + id }
func liveWCPK(key string) string     { return prefixLiveWC + key }
func runPK(id string) string         { return prefixRun + id }
func stepPK(id string) string        { return prefixStep + id }
func findingPK(id string) string     { return prefixFinding + id }
func fileSK(path string) string      { return prefixFile + path }
func findingSK(fp string) string     { return prefixFinding + fp }
func instanceSK(id string) string    { return prefixInstance + id }
func jobEventSK(id string) string    { return prefixJobEvent + id }
func revisionGSISK(id string) string { return prefixRevision + id }
func wcGSISK(id string) string       { return prefixWC + id }
func runGSISK(id string) string      { return prefixRun + id }
func stepGSISK(id string) string     { return prefixStep + id }

func pdfSK(variant string) string { return prefixPDF + variant }

func transitionSK(toRunID, fromRunID string) string {
	return prefixTrans + toRunID + "#" + fromRunID
}
