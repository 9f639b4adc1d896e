package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const accountABIJSON = `[
  {"constant":false,"inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"name":"execute","outputs":[],"type":"function"},
  {"constant":false,"inputs":[{"name":"targets","type":"address[]"},{"name":"datas","type":"bytes[]"}],"name":"executeBatch","outputs":[],"type":"function"}
]`

var accountABI = mustParseABI(accountABIJSON)

// AccountABI is exported for the userOp builder, which only ever packs
// calldata for a smart account — it never calls it directly, since every
// invocation is routed through the EntryPoint as a userOp.
var AccountABI = accountABI

// PackExecute packs calldata for account.execute(target, value, data).
func PackExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	return accountABI.Pack("execute", target, value, data)
}

// PackExecuteBatch packs calldata for account.executeBatch(targets, datas).
// len(targets) must equal len(datas).
func PackExecuteBatch(targets []common.Address, datas [][]byte) ([]byte, error) {
	return accountABI.Pack("executeBatch", targets, datas)
}
