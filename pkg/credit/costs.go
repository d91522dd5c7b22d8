package credit

// defaultOperationCost bills unknown kinds at the flat rate.
const defaultOperationCost CreditAmount = 1

// CostTable maps operation kinds to their fixed per-call cost in credits.
type CostTable map[OperationKind]CreditAmount

// DefaultCostTable returns the platform pricing for the known operation kinds.
func DefaultCostTable() CostTable {
	return CostTable{
		KindImageGeneration:  5,
		KindImageEnhancement: 3,
		KindVideoProcessing:  10,
		KindAudioEnhancement: 2,
		KindCodeGeneration:   1,
	}
}

// Cost looks up the configured cost for a kind, falling back to the default
// rate for kinds the table does not price. Pure lookup, no I/O.
func (table CostTable) Cost(kind OperationKind) CreditAmount {
	if cost, priced := table[kind]; priced && cost > 0 {
		return cost
	}
	return defaultOperationCost
}
