package extract

import (
	"github.com/google/uuid"

	"github.com/receiptvault/ingest/internal/entity"
	"github.com/receiptvault/ingest/internal/ocr"
)

// Per-item keys. Line totals win over unit prices when both are present.
var (
	itemKeysName      = []string{"description", "name", "item_name", "product_name"}
	itemKeysQuantity  = []string{"quantity", "qty", "count"}
	itemKeysLineTotal = []string{"total_amount", "line_total", "total", "amount"}
	itemKeysUnitPrice = []string{"unit_price", "price", "item_price"}
)

// extractItems pulls the items collection from whichever representation the
// service delivered: a native array node, or an array re-parsed out of a
// generic scalar node. One malformed item is skipped and logged; its siblings
// and the parent receipt survive.
func (e *Extractor) extractItems(rec *entity.Receipt, fields map[string]*ocr.Field) []entity.Item {
	node := firstField(fields, keysItems)
	if node == nil {
		return nil
	}

	nodes := node.ArrayItems()
	items := make([]entity.Item, 0, len(nodes))
	for i, n := range nodes {
		item, ok := e.extractItem(rec.ID, n)
		if !ok {
			e.logger.Warn("extract.item.skipped", "receipt_id", rec.ID, "index", i)
			continue
		}
		items = append(items, item)
	}
	return items
}

func (e *Extractor) extractItem(receiptID uuid.UUID, node *ocr.Field) (entity.Item, bool) {
	fm := node.ObjectFields()
	if len(fm) == 0 {
		return entity.Item{}, false
	}

	name, ok := firstField(fm, itemKeysName).AsString()
	if !ok {
		return entity.Item{}, false
	}

	item := entity.Item{
		ID:        uuid.New(),
		ReceiptID: receiptID,
		Name:      name,
		Quantity:  1,
	}
	if q, ok := firstField(fm, itemKeysQuantity).AsFloat(); ok && q > 0 {
		item.Quantity = q
	}
	if p, ok := firstField(fm, itemKeysLineTotal).AsFloat(); ok {
		item.Price = &p
	} else if p, ok := firstField(fm, itemKeysUnitPrice).AsFloat(); ok {
		item.Price = &p
	}
	return item, true
}
