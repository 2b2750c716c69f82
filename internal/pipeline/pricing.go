package pipeline

// modelPrice is USD per one million tokens.
type modelPrice struct {
	input  float64
	output float64
}

var priceTable = map[string]modelPrice{
	"gemini-2.0-flash":      {input: 0.10, output: 0.40},
	"gemini-2.0-flash-lite": {input: 0.075, output: 0.30},
	"gemini-2.5-flash":      {input: 0.30, output: 2.50},
	"gemini-2.5-pro":        {input: 1.25, output: 10.00},
}

// defaultPrice applies to models missing from the table, so usage records
// never silently carry a zero cost for a priced call.
var defaultPrice = modelPrice{input: 0.50, output: 1.50}

func cost(model string, promptTokens, completionTokens int) float64 {
	price, ok := priceTable[model]
	if !ok {
		price = defaultPrice
	}
	return (float64(promptTokens)*price.input + float64(completionTokens)*price.output) / 1e6
}
