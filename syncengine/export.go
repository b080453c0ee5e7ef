package syncengine

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/portalsync_backend/config"
	"bitbucket.org/mmdatafocus/portalsync_backend/models"
	"bitbucket.org/mmdatafocus/portalsync_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

var exportHeaders = []string{
	"EntityType", "EventType", "Status", "PortalId", "LedgerId",
	"InvoiceNumber", "CustomerName", "CustomerEmail", "Amount", "Tax", "Fee",
	"ProductName", "ProductPrice", "LedgerItemName", "Remark", "UpdatedAt",
}

// exportRow renders one sync log row for the export surface. Cent columns
// come out as decimal dollars; the integers never reach the file.
func exportRow(entry models.SyncLog) []string {
	return []string{
		entry.EntityType,
		entry.EventType,
		entry.Status,
		entry.PortalId,
		entry.LedgerId,
		entry.InvoiceNumber,
		entry.CustomerName,
		entry.CustomerEmail,
		utils.CentsToDollars(entry.AmountCents).StringFixed(2),
		utils.CentsToDollars(entry.TaxCents).StringFixed(2),
		utils.CentsToDollars(entry.FeeCents).StringFixed(2),
		entry.ProductName,
		utils.CentsToDollars(entry.ProductPriceCents).StringFixed(2),
		entry.LedgerItemName,
		entry.Remark,
		entry.UpdatedAt.Format(time.RFC3339),
	}
}

func SyncLogListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)

		logs, err := models.ListSyncLogs(ctx, config.GetDB(), workspaceId, utils.IntFromEnv("SYNC_LOG_PAGE_SIZE", 200))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": logs})
	}
}

// SyncLogExportHandler streams the full sync log as a file download.
// ?format=xlsx selects a spreadsheet; anything else gets CSV.
func SyncLogExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceId, ok := resolveWorkspaceID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetWorkspaceIdInContext(c.Request.Context(), workspaceId)

		logs, err := models.ListSyncLogs(ctx, config.GetDB(), workspaceId, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if c.Query("format") == "xlsx" {
			writeExcelExport(c, logs)
			return
		}
		writeCSVExport(c, logs)
	}
}

func writeCSVExport(c *gin.Context, logs []models.SyncLog) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=sync-log.csv")

	w := csv.NewWriter(c.Writer)
	_ = w.Write(exportHeaders)
	for _, entry := range logs {
		_ = w.Write(exportRow(entry))
	}
	w.Flush()
}

func writeExcelExport(c *gin.Context, logs []models.SyncLog) {
	f := excelize.NewFile()
	sheet := "Sheet1"

	for col, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, entry := range logs {
		for col, value := range exportRow(entry) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=sync-log-%s.xlsx", time.Now().Format("20060102")))
	if err := f.Write(c.Writer); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}
