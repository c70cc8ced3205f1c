package ledger

// BugBountyABI is the subset of the BugBounty contract used by the service.
const BugBountyABI = `[
  {
    "type": "function",
    "name": "submitBugWithProof",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "bountyId", "type": "uint256"},
      {"name": "submissionHash", "type": "string"},
      {"name": "a", "type": "uint256[2]"},
      {"name": "b", "type": "uint256[2][2]"},
      {"name": "c", "type": "uint256[2]"},
      {"name": "input", "type": "uint256[1]"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "reportUnsolicitedBug",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "company", "type": "address"},
      {"name": "submissionHash", "type": "string"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "approveBounty",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "bountyId", "type": "uint256"},
      {"name": "submissionIndex", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "rejectBug",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "bountyId", "type": "uint256"},
      {"name": "submissionIndex", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "approveUnsolicitedBug",
    "stateMutability": "payable",
    "inputs": [
      {"name": "bugId", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "rejectUnsolicitedBug",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "bugId", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getBounty",
    "stateMutability": "view",
    "inputs": [
      {"name": "bountyId", "type": "uint256"}
    ],
    "outputs": [
      {
        "name": "",
        "type": "tuple",
        "components": [
          {"name": "creator", "type": "address"},
          {"name": "reward", "type": "uint256"},
          {"name": "deadline", "type": "uint256"},
          {"name": "isOpen", "type": "bool"},
          {"name": "assignedDAO", "type": "address"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getSubmissions",
    "stateMutability": "view",
    "inputs": [
      {"name": "bountyId", "type": "uint256"}
    ],
    "outputs": [
      {
        "name": "",
        "type": "tuple[]",
        "components": [
          {"name": "bountyId", "type": "uint256"},
          {"name": "submissionHash", "type": "string"},
          {"name": "researcher", "type": "address"},
          {"name": "isApproved", "type": "bool"},
          {"name": "isRejected", "type": "bool"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getUnsolicitedBug",
    "stateMutability": "view",
    "inputs": [
      {"name": "bugId", "type": "uint256"}
    ],
    "outputs": [
      {
        "name": "",
        "type": "tuple",
        "components": [
          {"name": "tokenId", "type": "uint256"},
          {"name": "submissionHash", "type": "string"},
          {"name": "researcher", "type": "address"},
          {"name": "company", "type": "address"},
          {"name": "isApproved", "type": "bool"},
          {"name": "isRejected", "type": "bool"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getAllBounties",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [
      {
        "name": "",
        "type": "tuple[]",
        "components": [
          {"name": "creator", "type": "address"},
          {"name": "reward", "type": "uint256"},
          {"name": "deadline", "type": "uint256"},
          {"name": "isOpen", "type": "bool"},
          {"name": "assignedDAO", "type": "address"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "getAllUnsolicitedBugs",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [
      {
        "name": "",
        "type": "tuple[]",
        "components": [
          {"name": "tokenId", "type": "uint256"},
          {"name": "submissionHash", "type": "string"},
          {"name": "researcher", "type": "address"},
          {"name": "company", "type": "address"},
          {"name": "isApproved", "type": "bool"},
          {"name": "isRejected", "type": "bool"}
        ]
      }
    ]
  }
]`

// ReputationNFTABI is the read side of the ReputationNFT contract that
// tracks researcher reputation.
const ReputationNFTABI = `[
  {
    "type": "function",
    "name": "hasNFT",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "getTokenId",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "getReputationOf",
    "stateMutability": "view",
    "inputs": [{"name": "owner", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "staked",
    "stateMutability": "view",
    "inputs": [{"name": "tokenId", "type": "uint256"}],
    "outputs": [{"name": "", "type": "bool"}]
  }
]`
