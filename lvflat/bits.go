/*
 *	lvrpc bridges Go programs and LabVIEW actors over TCP.
 *	Copyright (C) 2022 Arsen Musayelyan
 *
 *	This program is free software: you can redistribute it and/or modify
 *	it under the terms of the GNU General Public License as published by
 *	the Free Software Foundation, either version 3 of the License, or
 *	(at your option) any later version.
 *
 *	This program is distributed in the hope that it will be useful,
 *	but WITHOUT ANY WARRANTY; without even the implied warranty of
 *	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *	GNU General Public License for more details.
 *
 *	You should have received a copy of the GNU General Public License
 *	along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package lvflat

import "math/bits"

// bitsDiv returns (hi<<64) / d for hi < d
func bitsDiv(hi, d uint64) (uint64, uint64) {
	return bits.Div64(hi, 0, d)
}

// bitsMulHi returns the high 64 bits of a*b
func bitsMulHi(a, b uint64) uint64 {
	hi, _ := bits.Mul64(a, b)
	return hi
}
