package indexer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type activityRow struct {
	ID            string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seq           int64  `parquet:"name=seq, type=INT64"`
	Type          string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Marketplace   string `parquet:"name=marketplace, type=BYTE_ARRAY, convertedtype=UTF8"`
	Listing       string `parquet:"name=listing, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maker         string `parquet:"name=maker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Taker         string `parquet:"name=taker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Mint          string `parquet:"name=mint, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         int64  `parquet:"name=price, type=INT64"`
	Fee           int64  `parquet:"name=fee, type=INT64"`
	MakerProceeds int64  `parquet:"name=maker_proceeds, type=INT64"`
	Reward        int64  `parquet:"name=reward, type=INT64"`
	Digest        string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the activity log of marketplace (all marketplaces when
// empty) to path in sequence order and returns the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, path, marketplace string) (int, error) {
	q := s.db.WithContext(ctx).Order("seq asc")
	if marketplace != "" {
		q = q.Where("marketplace = ?", marketplace)
	}
	var rows []Activity
	if err := q.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("indexer: load activity: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("indexer: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(file), new(activityRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := range rows {
		row := &rows[i]
		out := &activityRow{
			ID:            row.ID.String(),
			Seq:           int64(row.Seq),
			Type:          row.Type,
			Marketplace:   row.Marketplace,
			Listing:       row.Listing,
			Maker:         row.Maker,
			Taker:         row.Taker,
			Mint:          row.Mint,
			Price:         int64(row.Price),
			Fee:           int64(row.Fee),
			MakerProceeds: int64(row.MakerProceeds),
			Reward:        int64(row.Reward),
			Digest:        row.Digest,
			CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(out); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("indexer: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("indexer: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("indexer: close parquet file: %w", err)
	}
	return len(rows), nil
}
