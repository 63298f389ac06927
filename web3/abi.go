package web3

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABIJSON is the surface of the AION escrow contract the relayer
// touches: the validation views and the two transfer entrypoints.
const escrowABIJSON = `[
  {"type":"function","name":"usedNonces","stateMutability":"view",
   "inputs":[{"name":"nonce","type":"bytes32"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"lockedFundsETH","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"lockedFundsERC20","stateMutability":"view",
   "inputs":[{"name":"token","type":"address"},{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdrawTimestamps","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"executeETHTransfer","stateMutability":"nonpayable",
   "inputs":[
     {"name":"from","type":"address"},
     {"name":"to","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"nonce","type":"bytes32"},
     {"name":"deadline","type":"uint256"},
     {"name":"signature","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"executeERC20Transfer","stateMutability":"nonpayable",
   "inputs":[
     {"name":"token","type":"address"},
     {"name":"from","type":"address"},
     {"name":"to","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"nonce","type":"bytes32"},
     {"name":"deadline","type":"uint256"},
     {"name":"signature","type":"bytes"}],
   "outputs":[]}
]`

// erc20ABIJSON covers the single ERC20 view the relayer needs.
const erc20ABIJSON = `[
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

func escrowABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse escrow ABI: %w", err)
	}
	return parsed, nil
}

func erc20ABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse erc20 ABI: %w", err)
	}
	return parsed, nil
}
