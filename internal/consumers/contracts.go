package consumers

import (
	"payflow/internal/execution"
	"payflow/internal/settlement"
)

// ExecutorContract defines the executor responsibility used by the stage consumers.
type ExecutorContract = execution.ServiceContract

// SettlerContract defines the settlement responsibility used by the stage consumers.
type SettlerContract = settlement.ServiceContract
