package oracle

import (
	"github.com/shopspring/decimal"

	"github.com/tradesim/exchange-core/internal/model"
)

// SeedStocks returns the default MOEX instrument catalog.
func SeedStocks() []model.Stock {
	mk := func(symbol, name string, price, change, changePct float64, volume int64, high, low, vol float64) model.Stock {
		return model.Stock{
			Symbol:        symbol,
			Name:          name,
			Price:         decimal.NewFromFloat(price),
			Change:        decimal.NewFromFloat(change),
			ChangePercent: decimal.NewFromFloat(changePct),
			Volume:        volume,
			High:          decimal.NewFromFloat(high),
			Low:           decimal.NewFromFloat(low),
			Volatility:    decimal.NewFromFloat(vol),
		}
	}
	return []model.Stock{
		mk("SBER", "Sberbank", 275.43, 1.25, 0.72, 54_000_000, 278.10, 272.50, 0.005),
		mk("GAZP", "Gazprom", 168.90, -0.45, -0.32, 22_000_000, 170.00, 168.00, 0.004),
		mk("LKOH", "Lukoil", 7356.20, 25.10, 0.59, 1_800_000, 7380.50, 7300.00, 0.006),
		mk("YNDX", "Yandex", 3242.50, -32.20, -1.30, 950_000, 3280.00, 3200.00, 0.008),
		mk("ROSN", "Rosneft", 585.30, 2.80, 0.55, 3_800_000, 590.20, 580.50, 0.005),
		mk("NVTK", "Novatek", 1460.15, 15.40, 1.18, 4_200_000, 1480.00, 1450.00, 0.007),
	}
}
