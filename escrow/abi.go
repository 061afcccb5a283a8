package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/samber/lo"
)

// External ABI of the deployed escrow contract. Only the methods this
// service consumes; the contract itself is out of scope.
const escrowABIJSON = `[
	{"type":"function","name":"getBounty","stateMutability":"view",
	 "inputs":[{"name":"bountyId","type":"bytes32"}],
	 "outputs":[
		{"name":"repoIdHash","type":"bytes32"},
		{"name":"sponsor","type":"address"},
		{"name":"resolver","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"issueNumber","type":"uint256"},
		{"name":"status","type":"uint8"}]},
	{"type":"function","name":"resolveBounty","stateMutability":"nonpayable",
	 "inputs":[{"name":"bountyId","type":"bytes32"},{"name":"to","type":"address"}],
	 "outputs":[]},
	{"type":"function","name":"refundExpired","stateMutability":"nonpayable",
	 "inputs":[{"name":"bountyId","type":"bytes32"}],
	 "outputs":[]},
	{"type":"function","name":"availableFees","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalFeesAccrued","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"feeBps","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint16"}]},
	{"type":"function","name":"withdrawFees","stateMutability":"nonpayable",
	 "inputs":[{"name":"token","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"address"}]}
]`

var escrowABI = lo.Must(abi.JSON(strings.NewReader(escrowABIJSON)))
