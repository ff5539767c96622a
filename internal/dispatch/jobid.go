package dispatch

import "github.com/dwsmith1983/auditlane/pkg/types"

// Deterministic job ids, one per logical unit of work.

func IngestJobID(revisionID string) string { return "ingest:" + revisionID }

func VerifyJobID(auditRunID string) string { return "verify:" + auditRunID }

func AuditJobID(auditRunID string) string { return "audit:" + auditRunID }

func FindingLifecycleJobID(auditRunID string) string { return "finding-lifecycle:" + auditRunID }

func PDFJobID(auditRunID string, variant types.PdfExportVariant) string {
	return "pdf:" + auditRunID + ":" + string(variant)
}

func CleanupJobID(workingCopyID string) string { return "cleanup:" + workingCopyID }

func DocsCrawlJobID(projectID string) string { return "docs-crawl:" + projectID }

func DocsIndexJobID(projectID string) string { return "docs-index:" + projectID }
