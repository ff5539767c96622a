package dynamodb

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/dwsmith1983/auditlane/internal/provider"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

func exportItem(e types.PdfExport) (map[string]ddbtypes.AttributeValue, error) {
	item, err := encodeItem(runPK(e.AuditRunID), pdfSK(string(e.Variant)), e)
	if err != nil {
		return nil, err
	}
	item["version"] = num(int64(e.Version))
	return item, nil
}

// CreatePdfExport stores the export unless one exists for (run, variant).
func (p *DynamoDBProvider) CreatePdfExport(ctx context.Context, export types.PdfExport) (*types.PdfExport, bool, error) {
	item, err := exportItem(export)
	if err != nil {
		return nil, false, err
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &p.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return &export, true, nil
	}
	if !isConditionalCheckFailed(err) {
		return nil, false, fmt.Errorf("creating pdf export: %w", err)
	}
	existing, err := p.GetPdfExport(ctx, export.AuditRunID, export.Variant)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetPdfExport retrieves the export for (run, variant).
func (p *DynamoDBProvider) GetPdfExport(ctx context.Context, auditRunID string, variant types.PdfExportVariant) (*types.PdfExport, error) {
	var e types.PdfExport
	found, err := p.getData(ctx, runPK(auditRunID), pdfSK(string(variant)), &e)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("pdf export %s/%s: %w", auditRunID, variant, provider.ErrNotFound)
	}
	return &e, nil
}

// CompareAndSwapPdfExport replaces the export when its version matches.
func (p *DynamoDBProvider) CompareAndSwapPdfExport(ctx context.Context, expectedVersion int, export types.PdfExport) (bool, error) {
	item, err := exportItem(export)
	if err != nil {
		return false, err
	}
	cond, names, values := versionGuard(expectedVersion)
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 &p.tableName,
		Item:                      item,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("updating pdf export %s: %w", export.ID, err)
	}
	return true, nil
}
