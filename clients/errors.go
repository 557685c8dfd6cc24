package clients

// Stable adapter-level failure reasons recorded on settlement attempts and
// logs. Raw RPC error strings stay out of these.
const (
	// -----------------------------
	// PRECONDITIONS
	// -----------------------------
	ReasonAllowanceShort = "allowance_below_amount"
	ReasonBalanceShort   = "balance_below_amount"

	// -----------------------------
	// EVM SUBMISSION
	// -----------------------------
	ReasonEVMReverted       = "evm_transaction_reverted"
	ReasonEVMReceiptTimeout = "evm_receipt_wait_timed_out"
	ReasonEVMBroadcast      = "evm_broadcast_failed"

	// -----------------------------
	// TRON SUBMISSION
	// -----------------------------
	ReasonTronTriggerRejected = "tron_trigger_rejected"
	ReasonTronBroadcast       = "tron_broadcast_failed"
	ReasonTronOutOfEnergy     = "tron_out_of_energy"
	ReasonTronOutOfBandwidth  = "tron_out_of_bandwidth"
	ReasonTronReverted        = "tron_contract_reverted"
	ReasonTronReceiptTimeout  = "tron_receipt_wait_timed_out"
)
