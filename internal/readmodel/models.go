package readmodel

import "github.com/example/grocer-orders/internal/domain/orderitem"

// ProductSummary is the product projection embedded in order item views
type ProductSummary struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
	Price    int64  `json:"price"`
}

// ShopSummary is the shop projection embedded in order item views
type ShopSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BuyerSummary is the buyer projection embedded in order item views
type BuyerSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Projection is everything a client needs to display an order item besides the item itself
type Projection struct {
	Product ProductSummary `json:"product"`
	Shop    ShopSummary    `json:"shop"`
	Buyer   BuyerSummary   `json:"buyer"`
}

// OrderItemView is the read model returned by the order item pull API
type OrderItemView struct {
	orderitem.OrderItem
	Product ProductSummary `json:"product"`
	Shop    ShopSummary    `json:"shop"`
	Buyer   BuyerSummary   `json:"buyer"`
}

// NewOrderItemView joins an item with its projection
func NewOrderItemView(item orderitem.OrderItem, p Projection) OrderItemView {
	return OrderItemView{
		OrderItem: item,
		Product:   p.Product,
		Shop:      p.Shop,
		Buyer:     p.Buyer,
	}
}
